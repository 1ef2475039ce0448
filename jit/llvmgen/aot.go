package llvmgen

import (
	"fmt"
	"os"

	"tinygo.org/x/go-llvm"
)

// ABIVersion is baked into every emitted object as the exported
// __nvc_abi_version global so the runtime loader can refuse stale
// objects.
const ABIVersion = 10

// NewObj creates an ahead-of-time module context targeting the host with
// PIC relocation. A single private constructor function accumulates the
// registration and binding calls for every function subsequently
// compiled into the unit; finalization closes it and emits the object.
func NewObj(name string) (*Obj, error) {
	if err := llvm.InitializeNativeTarget(); err != nil {
		return nil, fmt.Errorf("failed to initialize native target: %w", err)
	}
	if err := llvm.InitializeNativeAsmPrinter(); err != nil {
		return nil, fmt.Errorf("failed to initialize native asm printer: %w", err)
	}

	tm, err := newTargetMachine(llvm.RelocPIC, llvm.CodeModelDefault)
	if err != nil {
		return nil, err
	}

	ctx := llvm.NewContext()
	o := newObj(ctx, true, name, tm, nil)

	o.mod.SetTarget(tm.Triple())
	o.mod.SetDataLayout(o.td.String())

	ctor := llvm.AddFunction(o.mod, "ctor", o.typ(typeCtorFn))
	ctor.SetLinkage(llvm.PrivateLinkage)
	o.appendBlock(ctor, "entry")
	o.mode = &aotMode{ctor: ctor}

	// llvm.global_ctors holds a single {priority, fn, data} entry.
	entry := llvm.ConstNamedStruct(o.typ(typeCtor), []llvm.Value{
		o.constInt32(65535),
		ctor,
		llvm.ConstNull(o.typ(typePtr)),
	})
	ctors := llvm.AddGlobal(o.mod, llvm.ArrayType(o.typ(typeCtor), 1), "llvm.global_ctors")
	ctors.SetLinkage(llvm.AppendingLinkage)
	ctors.SetInitializer(llvm.ConstArray(o.typ(typeCtor), []llvm.Value{entry}))

	abiVersion := llvm.AddGlobal(o.mod, o.typ(typeInt32), "__nvc_abi_version")
	abiVersion.SetInitializer(o.constInt32(ABIVersion))
	abiVersion.SetGlobalConstant(true)

	return o, nil
}

// IR returns the module's textual LLVM IR. Structural tests and the
// verbose dump path use it.
func (o *Obj) IR() string { return o.mod.String() }

// Emit finalizes the constructor, verifies and optimizes the module, and
// writes the object file. The context is torn down afterwards; the Obj
// must not be reused.
func (o *Obj) Emit(path string) error {
	ctor := o.mode.(*aotMode).ctor
	o.builder.SetInsertPointAtEnd(ctor.LastBasicBlock())
	o.builder.CreateRetVoid()

	o.finalise()

	buf, err := o.tm.EmitToMemoryBuffer(o.mod, llvm.ObjectFile)
	if err != nil {
		return fmt.Errorf("failed to write object file: %w", err)
	}
	defer buf.Dispose()

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write object file: %w", err)
	}

	o.dispose(true)
	return nil
}

func (o *Obj) dispose(withModule bool) {
	o.td.Dispose()
	o.builder.Dispose()
	if withModule {
		o.mod.Dispose()
	}
	if o.ownsCtx {
		o.tm.Dispose()
		o.ctx.Dispose()
	}
}
