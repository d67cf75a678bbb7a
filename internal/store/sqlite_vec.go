//go:build sqlitevec

package store

// SQLite with sqlite-vec compiled in. The bindings ship their own WASM
// build, which must match the go-sqlite3 ABI in go.mod; build with
// -tags sqlitevec only against a go-sqlite3 release the bindings support.
import _ "github.com/asg017/sqlite-vec-go-bindings/ncruces"
