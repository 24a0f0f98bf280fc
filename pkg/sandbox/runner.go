package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/buffer"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/require"
	"github.com/dop251/goja_nodejs/url"
	"github.com/dop251/goja_nodejs/util"

	"github.com/entrhq/browserstep/pkg/logging"
)

const scriptName = "script.js"

var debugLog = logging.NewLogger("sandbox")

// providedBuiltins are the core modules the runtime can actually supply.
var providedBuiltins = map[string]require.ModuleLoader{
	buffer.ModuleName: buffer.Require,
	url.ModuleName:    url.Require,
	util.ModuleName:   util.Require,
}

// Runner executes user scripts. Each Run gets a fresh runtime, so scripts
// never share state.
type Runner struct {
	resolver    *Resolver
	modulesRoot string
}

// NewRunner creates a runner enforcing the given policy.
func NewRunner(p Policy) (*Runner, error) {
	resolver, err := NewResolver(p)
	if err != nil {
		return nil, err
	}
	return &Runner{resolver: resolver, modulesRoot: p.ModulesRoot}, nil
}

// Resolver returns the runner's resolver.
func (r *Runner) Resolver() *Resolver {
	return r.resolver
}

// run holds the per-execution loader state.
type run struct {
	runner *Runner
	vm     *goja.Runtime

	mu       sync.Mutex
	current  string
	approved map[string]bool
	denied   error
}

// Run executes script as the body of an async function with the given
// globals bound, and returns the exported return value.
func (r *Runner) Run(ctx context.Context, script string, bindings map[string]interface{}) (result interface{}, err error) {
	defer func() {
		if p := recover(); p != nil {
			debugLog.Errorf("Script runtime panicked: %v", p)
			result, err = nil, fmt.Errorf("script runtime panicked: %v", p)
		}
	}()

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	st := &run{runner: r, vm: vm, approved: map[string]bool{}}

	registry := require.NewRegistry(require.WithLoader(st.load))
	for _, name := range coreModules {
		st.registerCore(registry, name)
	}
	req := registry.Enable(vm)

	if err := st.installRequire(req); err != nil {
		return nil, err
	}
	if err := st.installConsole(); err != nil {
		return nil, err
	}
	for name, value := range bindings {
		if err := vm.Set(name, value); err != nil {
			return nil, fmt.Errorf("failed to set binding '%s': %w", name, err)
		}
	}

	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt(ctx.Err())
	})
	defer stop()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	value, err := vm.RunScript(scriptName, "(async function() {\n"+script+"\n})()")
	if err != nil {
		return nil, st.translate(ctx, err)
	}

	if promise, ok := value.Export().(*goja.Promise); ok {
		switch promise.State() {
		case goja.PromiseStateFulfilled:
			value = promise.Result()
		case goja.PromiseStateRejected:
			return nil, st.translate(ctx, rejection(promise.Result()))
		default:
			return nil, errors.New("script did not settle")
		}
	}

	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}
	return value.Export(), nil
}

func rejection(v goja.Value) error {
	if obj, ok := v.(*goja.Object); ok {
		if gerr, ok := obj.Export().(error); ok {
			return gerr
		}
	}
	return fmt.Errorf("javascript promise rejected: %v", v)
}

// translate maps runtime errors to context errors and ErrDenied where the
// failure came from cancellation or a policy decision.
func (st *run) translate(ctx context.Context, err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("script interrupted: %w", ctxErr)
		}
		return fmt.Errorf("script interrupted: %v", interrupted.Value())
	}

	st.mu.Lock()
	denied := st.denied
	st.mu.Unlock()
	if denied != nil {
		return denied
	}

	var exception *goja.Exception
	if errors.As(err, &exception) {
		return fmt.Errorf("javascript exception: %s", exception.Error())
	}
	return fmt.Errorf("javascript execution error: %w", err)
}

func (st *run) deny(err error) {
	st.mu.Lock()
	if st.denied == nil {
		st.denied = err
	}
	st.mu.Unlock()
	debugLog.Warnf("Sandbox denied import: %v", err)
}

// registerCore shadows every core module name on the per-run registry, so
// that modules loaded from node_modules cannot reach globally registered core
// modules either.
func (st *run) registerCore(registry *require.Registry, name string) {
	loader := func(vm *goja.Runtime, module *goja.Object) {
		err := fmt.Errorf("%w: builtin '%s'", ErrDenied, name)
		st.deny(err)
		panic(vm.NewGoError(err))
	}
	if st.runner.resolver.AllowsBuiltin(name) {
		if name == console.ModuleName {
			loader = st.consoleLoader()
		} else if provided, ok := providedBuiltins[name]; ok {
			loader = provided
		}
	}
	registry.RegisterNativeModule(name, loader)
	registry.RegisterNativeModule(nodePrefix+name, loader)
}

// installRequire wraps the global require so the script's own imports are
// checked by name before any loading happens.
func (st *run) installRequire(req *require.RequireModule) error {
	return st.vm.Set("require", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		if err := st.runner.resolver.Resolve(name, ""); err != nil {
			st.deny(err)
			panic(st.vm.NewGoError(err))
		}

		pkg := ""
		if !IsBuiltin(name) {
			pkg = PackageName(name)
		}

		st.mu.Lock()
		prev := st.current
		st.current = pkg
		if pkg != "" {
			st.approved[pkg] = true
		}
		st.mu.Unlock()

		defer func() {
			st.mu.Lock()
			st.current = prev
			st.mu.Unlock()
		}()

		value, err := req.Require(name)
		if err != nil {
			panic(st.vm.NewGoError(err))
		}
		return value
	})
}

// load reads module sources from node_modules under the modules root. The
// package owning each file must have been approved or must resolve against
// the package currently being required.
func (st *run) load(p string) ([]byte, error) {
	pkg := packageOfPath(p)
	if pkg == "" {
		err := fmt.Errorf("%w: path '%s' is outside node_modules", ErrDenied, p)
		st.deny(err)
		return nil, err
	}

	st.mu.Lock()
	ok := st.approved[pkg]
	importer := st.current
	st.mu.Unlock()

	if !ok {
		if err := st.runner.resolver.Resolve(pkg, importer); err != nil {
			st.deny(err)
			return nil, err
		}
		st.mu.Lock()
		st.approved[pkg] = true
		st.mu.Unlock()
	}

	if st.runner.modulesRoot == "" {
		return nil, require.ModuleFileDoesNotExistError
	}

	full := filepath.Join(st.runner.modulesRoot, filepath.FromSlash(filepath.Clean(p)))
	info, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, require.ModuleFileDoesNotExistError
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, require.ModuleFileDoesNotExistError
	}
	return os.ReadFile(full)
}

// installConsole binds a global console that writes to the log.
func (st *run) installConsole() error {
	module := st.vm.NewObject()
	if err := module.Set("exports", st.vm.NewObject()); err != nil {
		return err
	}
	st.consoleLoader()(st.vm, module)
	return st.vm.Set("console", module.Get("exports"))
}

// consoleLoader builds the console module. While it loads, the global
// require serves only a private util instance, independent of the builtin
// allow-list.
func (st *run) consoleLoader() require.ModuleLoader {
	load := console.RequireWithPrinter(printer{})
	return func(vm *goja.Runtime, module *goja.Object) {
		utilModule := vm.NewObject()
		if err := utilModule.Set("exports", vm.NewObject()); err != nil {
			panic(vm.NewGoError(err))
		}
		util.Require(vm, utilModule)
		private := utilModule.Get("exports")

		saved := vm.Get("require")
		restore := func() {
			if err := vm.Set("require", saved); err != nil {
				panic(vm.NewGoError(err))
			}
		}
		err := vm.Set("require", func(call goja.FunctionCall) goja.Value {
			name := call.Argument(0).String()
			if name == util.ModuleName || name == nodePrefix+util.ModuleName {
				return private
			}
			panic(vm.NewGoError(fmt.Errorf("%w: builtin '%s'", ErrDenied, name)))
		})
		if err != nil {
			panic(vm.NewGoError(err))
		}
		defer restore()
		load(vm, module)
	}
}

type printer struct{}

func (printer) Log(msg string)   { debugLog.Infof("console.log: %s", msg) }
func (printer) Warn(msg string)  { debugLog.Warnf("console.warn: %s", msg) }
func (printer) Error(msg string) { debugLog.Errorf("console.error: %s", msg) }
