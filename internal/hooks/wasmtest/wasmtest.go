// Package wasmtest assembles tiny WebAssembly modules that call the hook
// host functions, so the runtime can be exercised without a wasm toolchain.
package wasmtest

const (
	opI32Const = 0x41
	opCall     = 0x10
	opDrop     = 0x1a
	opEnd      = 0x0b
	typeI32    = 0x7f
	typeFunc   = 0x60
)

// LogModule returns a module exporting run, which passes msg to host_log.
func LogModule(msg string) []byte {
	body := []byte{0x00}
	body = append(body, i32(0)...)
	body = append(body, i32(len(msg))...)
	body = append(body, opCall, 0x00, opEnd)
	return build("host_log", []byte{typeFunc, 0x02, typeI32, typeI32, 0x00}, body, []byte(msg))
}

// PublishModule returns a module exporting run, which calls host_publish
// with subject and payload and discards the result code.
func PublishModule(subject string, payload []byte) []byte {
	data := append([]byte(subject), payload...)
	body := []byte{0x00}
	body = append(body, i32(0)...)
	body = append(body, i32(len(subject))...)
	body = append(body, i32(len(subject))...)
	body = append(body, i32(len(payload))...)
	body = append(body, opCall, 0x00, opDrop, opEnd)
	sig := []byte{typeFunc, 0x04, typeI32, typeI32, typeI32, typeI32, 0x01, typeI32}
	return build("host_publish", sig, body, data)
}

// TrapModule returns a module whose run export hits unreachable.
func TrapModule() []byte {
	body := []byte{0x00, 0x00, opEnd}
	return build("host_log", []byte{typeFunc, 0x02, typeI32, typeI32, 0x00}, body, nil)
}

func build(importName string, importSig, body, data []byte) []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	// type 0 is the import, type 1 is run: () -> ()
	types := []byte{0x02}
	types = append(types, importSig...)
	types = append(types, typeFunc, 0x00, 0x00)
	out = append(out, section(0x01, types)...)

	imports := []byte{0x01}
	imports = append(imports, name("env")...)
	imports = append(imports, name(importName)...)
	imports = append(imports, 0x00, 0x00)
	out = append(out, section(0x02, imports)...)

	out = append(out, section(0x03, []byte{0x01, 0x01})...)
	out = append(out, section(0x05, []byte{0x01, 0x00, 0x01})...)

	exports := []byte{0x02}
	exports = append(exports, name("run")...)
	exports = append(exports, 0x00, 0x01)
	exports = append(exports, name("memory")...)
	exports = append(exports, 0x02, 0x00)
	out = append(out, section(0x07, exports)...)

	code := []byte{0x01}
	code = append(code, uleb(len(body))...)
	code = append(code, body...)
	out = append(out, section(0x0a, code)...)

	if len(data) > 0 {
		seg := []byte{0x01, 0x00, opI32Const, 0x00, opEnd}
		seg = append(seg, uleb(len(data))...)
		seg = append(seg, data...)
		out = append(out, section(0x0b, seg)...)
	}
	return out
}

func section(id byte, contents []byte) []byte {
	out := []byte{id}
	out = append(out, uleb(len(contents))...)
	return append(out, contents...)
}

func name(s string) []byte {
	return append(uleb(len(s)), s...)
}

func i32(v int) []byte {
	return append([]byte{opI32Const}, sleb(int64(v))...)
}

func uleb(v int) []byte {
	var out []byte
	u := uint64(v)
	for {
		b := byte(u & 0x7f)
		u >>= 7
		if u != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}
