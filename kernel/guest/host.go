package guest

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"wasmkernel/kernel"
	"wasmkernel/kernel/shim"
)

// HostModule is the import module name under which the shim is exported.
const HostModule = "env"

const (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
	f32 = api.ValueTypeF32
	f64 = api.ValueTypeF64
)

// hostFunc describes one export of the host module using the wasm32 C ABI:
// pointers, size_t and ssize_t are i32, off_t is i64.
type hostFunc struct {
	name    string
	params  []api.ValueType
	results []api.ValueType
	call    func(s *shim.Shim, stack []uint64)
}

func ptr(v uint64) uintptr { return uintptr(api.DecodeU32(v)) }

func encodePtr(p uintptr) uint64 { return api.EncodeU32(uint32(p)) }

// hostFuncs lists every entry point the host module exports.
var hostFuncs = []hostFunc{
	// Memory.
	{"malloc", []api.ValueType{i32}, []api.ValueType{i32}, func(s *shim.Shim, stack []uint64) {
		stack[0] = encodePtr(s.Malloc(ptr(stack[0])))
	}},
	{"calloc", []api.ValueType{i32, i32}, []api.ValueType{i32}, func(s *shim.Shim, stack []uint64) {
		stack[0] = encodePtr(s.Calloc(ptr(stack[0]), ptr(stack[1])))
	}},
	{"realloc", []api.ValueType{i32, i32}, []api.ValueType{i32}, func(s *shim.Shim, stack []uint64) {
		stack[0] = encodePtr(s.Realloc(ptr(stack[0]), ptr(stack[1])))
	}},
	{"free", []api.ValueType{i32}, nil, func(s *shim.Shim, stack []uint64) {
		s.Free(ptr(stack[0]))
	}},
	{"__errno_location", nil, []api.ValueType{i32}, func(s *shim.Shim, stack []uint64) {
		stack[0] = encodePtr(s.ErrnoLocation())
	}},
	{"__stack_chk_fail", nil, nil, func(s *shim.Shim, _ []uint64) {
		s.StackCheckFail()
	}},

	// Strings.
	{"strcmp", []api.ValueType{i32, i32}, []api.ValueType{i32}, func(s *shim.Shim, stack []uint64) {
		stack[0] = api.EncodeI32(int32(s.Strcmp(ptr(stack[0]), ptr(stack[1]))))
	}},
	{"__vsnprintf_chk", []api.ValueType{i32, i32, i32, i32, i32, i32}, []api.ValueType{i32}, func(s *shim.Shim, stack []uint64) {
		stack[0] = api.EncodeI32(s.VsnprintfChk())
	}},

	// Math.
	{"copysign", []api.ValueType{f64, f64}, []api.ValueType{f64}, func(_ *shim.Shim, stack []uint64) {
		stack[0] = api.EncodeF64(shim.Copysign(api.DecodeF64(stack[0]), api.DecodeF64(stack[1])))
	}},
	{"copysignf", []api.ValueType{f32, f32}, []api.ValueType{f32}, func(_ *shim.Shim, stack []uint64) {
		stack[0] = api.EncodeF32(shim.Copysignf(api.DecodeF32(stack[0]), api.DecodeF32(stack[1])))
	}},
	{"floor", []api.ValueType{f64}, []api.ValueType{f64}, unaryF64(shim.Floor)},
	{"floorf", []api.ValueType{f32}, []api.ValueType{f32}, unaryF32(shim.Floorf)},
	{"ceil", []api.ValueType{f64}, []api.ValueType{f64}, unaryF64(shim.Ceil)},
	{"ceilf", []api.ValueType{f32}, []api.ValueType{f32}, unaryF32(shim.Ceilf)},
	{"sqrt", []api.ValueType{f64}, []api.ValueType{f64}, unaryF64(shim.Sqrt)},
	{"sqrtf", []api.ValueType{f32}, []api.ValueType{f32}, unaryF32(shim.Sqrtf)},
	{"trunc", []api.ValueType{f64}, []api.ValueType{f64}, unaryF64(shim.Trunc)},
	{"truncf", []api.ValueType{f32}, []api.ValueType{f32}, unaryF32(shim.Truncf)},
	{"rint", []api.ValueType{f64}, []api.ValueType{f64}, unaryF64(shim.Rint)},
	{"rintf", []api.ValueType{f32}, []api.ValueType{f32}, unaryF32(shim.Rintf)},

	// Files.
	{"open", []api.ValueType{i32, i32, i32}, []api.ValueType{i32}, func(s *shim.Shim, stack []uint64) {
		stack[0] = api.EncodeI32(s.Open(ptr(stack[0]), api.DecodeI32(stack[1]), api.DecodeI32(stack[2])))
	}},
	{"openat", []api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32}, func(s *shim.Shim, stack []uint64) {
		stack[0] = api.EncodeI32(s.Openat(api.DecodeI32(stack[0]), ptr(stack[1]), api.DecodeI32(stack[2]), api.DecodeI32(stack[3])))
	}},
	{"close", []api.ValueType{i32}, []api.ValueType{i32}, func(s *shim.Shim, stack []uint64) {
		stack[0] = api.EncodeI32(s.Close(api.DecodeI32(stack[0])))
	}},
	{"lseek", []api.ValueType{i32, i64, i32}, []api.ValueType{i64}, func(s *shim.Shim, stack []uint64) {
		stack[0] = api.EncodeI64(s.Lseek(api.DecodeI32(stack[0]), int64(stack[1]), api.DecodeI32(stack[2])))
	}},
	{"readv", []api.ValueType{i32, i32, i32}, []api.ValueType{i32}, func(s *shim.Shim, stack []uint64) {
		stack[0] = api.EncodeI32(int32(s.Readv(api.DecodeI32(stack[0]), ptr(stack[1]), api.DecodeI32(stack[2]))))
	}},
	{"writev", []api.ValueType{i32, i32, i32}, []api.ValueType{i32}, func(s *shim.Shim, stack []uint64) {
		stack[0] = api.EncodeI32(int32(s.Writev(api.DecodeI32(stack[0]), ptr(stack[1]), api.DecodeI32(stack[2]))))
	}},
	{"fstat", []api.ValueType{i32, i32}, []api.ValueType{i32}, func(s *shim.Shim, stack []uint64) {
		stack[0] = api.EncodeI32(s.Fstat(api.DecodeI32(stack[0]), ptr(stack[1])))
	}},
	{"fcntl", []api.ValueType{i32, i32, i32}, []api.ValueType{i32}, func(s *shim.Shim, stack []uint64) {
		stack[0] = api.EncodeI32(s.Fcntl(api.DecodeI32(stack[0]), api.DecodeI32(stack[1]), api.DecodeI32(stack[2])))
	}},
	{"fdatasync", []api.ValueType{i32}, []api.ValueType{i32}, func(s *shim.Shim, stack []uint64) {
		stack[0] = api.EncodeI32(s.Fdatasync(api.DecodeI32(stack[0])))
	}},

	// Misc.
	{"getrandom", nil, []api.ValueType{i64}, func(s *shim.Shim, stack []uint64) {
		stack[0] = s.Getrandom()
	}},
	{"clock_getres", []api.ValueType{i32, i32}, []api.ValueType{i32}, func(s *shim.Shim, stack []uint64) {
		stack[0] = api.EncodeI32(s.ClockGetres(api.DecodeI32(stack[0]), ptr(stack[1])))
	}},
	{"clock_gettime", []api.ValueType{i32, i32}, []api.ValueType{i32}, func(s *shim.Shim, stack []uint64) {
		stack[0] = api.EncodeI32(s.ClockGettime(api.DecodeI32(stack[0]), ptr(stack[1])))
	}},
}

func unaryF64(fn func(float64) float64) func(*shim.Shim, []uint64) {
	return func(_ *shim.Shim, stack []uint64) {
		stack[0] = api.EncodeF64(fn(api.DecodeF64(stack[0])))
	}
}

func unaryF32(fn func(float32) float32) func(*shim.Shim, []uint64) {
	return func(_ *shim.Shim, stack []uint64) {
		stack[0] = api.EncodeF32(fn(api.DecodeF32(stack[0])))
	}
}

// host connects the shim to the wazero host module.
type host struct {
	shim *shim.Shim
	mem  *linearMemory

	// fatal records a kernel error raised by the shim inside a host call.
	// The runtime converts the panic into a call error; fatal keeps the
	// original cause.
	fatal *kernel.Error
}

// wrap adapts fn to a wazero host function.
func (h *host) wrap(fn func(*shim.Shim, []uint64)) api.GoModuleFunc {
	return func(_ context.Context, caller api.Module, stack []uint64) {
		h.mem.bind(caller.Memory())
		defer func() {
			if r := recover(); r != nil {
				if err, ok := r.(*kernel.Error); ok && h.fatal == nil {
					h.fatal = err
				}
				panic(r)
			}
		}()

		fn(h.shim, stack)
	}
}

// instantiate registers the host module with r.
func (h *host) instantiate(ctx context.Context, r wazero.Runtime) (api.Module, error) {
	builder := r.NewHostModuleBuilder(HostModule)
	for _, fn := range hostFuncs {
		builder = builder.NewFunctionBuilder().
			WithGoModuleFunction(h.wrap(fn.call), fn.params, fn.results).
			WithName(fn.name).
			Export(fn.name)
	}
	return builder.Instantiate(ctx)
}
