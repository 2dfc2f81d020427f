// Package registry maintains the live mapping from driver-level handles
// (library -> module -> function) to parsed kernel objects, keyed by driver
// context, kept consistent under concurrent interception. Grounded on
// GWCudaModuleManager's context-scoped maps (src/capsule/cuda_impl/module.cpp)
// and on machine_bus.go's style of guarding shared maps with one mutex per
// owning structure (a single bus-wide lock).
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ianlancetaylor/demangle"
	"golang.org/x/sync/singleflight"

	"github.com/gwatch-io/gwatch/cfg"
	gwcontainer "github.com/gwatch-io/gwatch/container"
	"github.com/gwatch-io/gwatch/driver"
	"github.com/gwatch-io/gwatch/internal/fault"
	"github.com/gwatch-io/gwatch/isa"
	"github.com/gwatch-io/gwatch/kernel"
)

// Context is the driver-assigned identifier every context-scoped map is
// keyed by.
type Context uint64

// ImageKind distinguishes how a module's bytes were last classified.
type ImageKind int

const (
	ImageFat ImageKind = iota
	ImageCubin
	ImagePTX
)

// ImageRef remembers a module's demultiplexed image set so resolve_function
// does not re-run the container parser on every call.
type ImageRef struct {
	Kind   ImageKind
	Parsed *gwcontainer.ParseResult
}

// FunctionAttributes is the static attribute set report_function_attributes
// forwards to the scheduler transport.
type FunctionAttributes struct {
	DemangledName   string
	RegisterCount   int
	SharedSizeBytes int
	ConstSizeBytes  int
	LocalSizeBytes  int
	PtxVersion      int
	SassVersion     int
}

type ctxState struct {
	mu sync.Mutex

	modules          map[driver.ModuleHandle][]byte
	moduleToLibrary  map[driver.ModuleHandle]driver.LibraryHandle
	functionToModule map[driver.FunctionHandle]driver.ModuleHandle
	functionToKernel map[driver.FunctionHandle]*kernel.Kernel
	functionToName   map[driver.FunctionHandle]string
	moduleToImage    map[driver.ModuleHandle]*ImageRef

	checkpoints []string
}

func newCtxState() *ctxState {
	return &ctxState{
		modules: map[driver.ModuleHandle][]byte{},
		moduleToLibrary: map[driver.ModuleHandle]driver.LibraryHandle{},
		functionToModule: map[driver.FunctionHandle]driver.ModuleHandle{},
		functionToKernel: map[driver.FunctionHandle]*kernel.Kernel{},
		functionToName: map[driver.FunctionHandle]string{},
		moduleToImage: map[driver.ModuleHandle]*ImageRef{},
	}
}

// ArchResolver returns the architecture-specific instruction set and CFG
// capability for an arch tag; supplied by the caller at construction since
// this package stays architecture-agnostic.
//
// CapabilityFor receives the whole-image bytes the capability will be asked
// to classify PCs against: a real branch/terminator classification decodes
// the instruction word at a given PC, which requires the bytes it lives in,
// not just the architecture tag.
type ArchResolver interface {
	InstructionSetFor(arch string) (*isa.InstructionSet, bool)
	CapabilityFor(arch string, image []byte) (cfg.Capability, bool)
}

// Registry is the process-wide (or per-process-group) registry of driver
// contexts. Library bytes are process-global; everything else is scoped
// per Context.
type Registry struct {
	mu           sync.Mutex
	contexts     map[Context]*ctxState
	libraryBytes map[driver.LibraryHandle][]byte

	hooks      driver.Hooks
	deviceArch string
	resolver   ArchResolver
	logger     *slog.Logger

	resolveGroup singleflight.Group
}

// New builds an empty registry. hooks may be nil in tests that never call
// ReportFunctionAttributes.
func New(hooks driver.Hooks, deviceArch string, resolver ArchResolver, logger *slog.Logger) *Registry {
	return &Registry{
		contexts: map[Context]*ctxState{},
		libraryBytes: map[driver.LibraryHandle][]byte{},
		hooks: hooks,
		deviceArch: deviceArch,
		resolver: resolver,
		logger: logger,
	}
}

func (r *Registry) ctx(c Context) *ctxState {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.contexts[c]
	if !ok {
		s = newCtxState()
		r.contexts[c] = s
	}
	return s
}

// CacheLibrary stores a library's bytes, process-global (not context
// scoped, since libraries are loaded once and shared). Warns on a
// duplicate handle.
func (r *Registry) CacheLibrary(lib driver.LibraryHandle, bytes []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.libraryBytes[lib]; dup {
		r.warn("CacheLibrary", fmt.Errorf("duplicate library handle %d", lib))
		return
	}
	r.libraryBytes[lib] = bytes
}

// CacheModule stores a module's bytes for c. If the module is already known
// via a library link, the second cache is ignored.
func (r *Registry) CacheModule(c Context, mod driver.ModuleHandle, bytes []byte) {
	s := r.ctx(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, linked := s.moduleToLibrary[mod]; linked {
		return
	}
	if existing, ok := s.modules[mod]; ok && bytesEqual(existing, bytes) {
		return // idempotent recache
	}
	s.modules[mod] = bytes
}

// LinkModuleToLibrary records mod's parent library. Ignored if mod already
// has direct cached bytes
// simultaneously in both modules[] and module_to_library[]" invariant.
func (r *Registry) LinkModuleToLibrary(c Context, mod driver.ModuleHandle, lib driver.LibraryHandle) {
	s := r.ctx(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, hasBytes := s.modules[mod]; hasBytes {
		return
	}
	s.moduleToLibrary[mod] = lib
}

// LinkFunctionToModule records fn's parent module, warning on a conflicting
// re-link.
func (r *Registry) LinkFunctionToModule(c Context, fn driver.FunctionHandle, mod driver.ModuleHandle) {
	s := r.ctx(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.functionToModule[fn]; ok && existing != mod {
		r.warn("LinkFunctionToModule", fmt.Errorf("function %d already linked to module %d, ignoring link to %d", fn, existing, mod))
		return
	}
	s.functionToModule[fn] = mod
}

// LinkFunctionName records the driver-reported name for fn, consulted by
// ResolveFunction to locate the kernel's ELF symbol.
func (r *Registry) LinkFunctionName(c Context, fn driver.FunctionHandle, name string) {
	s := r.ctx(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.functionToName[fn] = name
}

// moduleBytes resolves mod's bytes, following a library link when mod has
// no bytes of its own. It does not parse the bytes or build an ImageRef.
func (s *ctxState) moduleBytes(r *Registry, mod driver.ModuleHandle) ([]byte, error) {
	if b, ok := s.modules[mod]; ok {
		return b, nil
	}
	lib, ok := s.moduleToLibrary[mod]
	if !ok {
		return nil, fmt.Errorf("module %d has neither cached bytes nor a library link", mod)
	}
	r.mu.Lock()
	b, ok := r.libraryBytes[lib]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("library %d for module %d has no cached bytes", lib, mod)
	}
	return b, nil
}

// ResolveFunction lazily parses fn into a Kernel: finds its parent module,
// finds or builds its machine-code image set, locates the kernel's bytes,
// disassembles, and builds its CFG. Concurrent resolutions of the same
// function are coalesced into a single parse via singleflight.
func (r *Registry) ResolveFunction(c Context, fn driver.FunctionHandle) (*kernel.Kernel, error) {
	key := fmt.Sprintf("%d:%d", c, fn)
	v, err, _ := r.resolveGroup.Do(key, func() (interface{}, error) {
		return r.resolveFunctionLocked(c, fn)
	})
	if err != nil {
		return nil, err
	}
	return v.(*kernel.Kernel), nil
}

func (r *Registry) resolveFunctionLocked(c Context, fn driver.FunctionHandle) (*kernel.Kernel, error) {
	s := r.ctx(c)

	s.mu.Lock()
	if k, ok := s.functionToKernel[fn]; ok {
		s.mu.Unlock()
		return k, nil
	}
	mod, ok := s.functionToModule[fn]
	if !ok {
		s.mu.Unlock()
		return nil, fault.New(r.logger, fault.NotFound, "registry.ResolveFunction", fmt.Errorf("function %d not linked to a module", fn))
	}
	name, ok := s.functionToName[fn]
	if !ok {
		s.mu.Unlock()
		return nil, fault.New(r.logger, fault.NotFound, "registry.ResolveFunction", fmt.Errorf("function %d has no resolved name", fn))
	}
	bytes, err := s.moduleBytes(r, mod)
	if err != nil {
		s.mu.Unlock()
		return nil, fault.New(r.logger, fault.NotReady, "registry.ResolveFunction", err)
	}
	ref := s.moduleToImage[mod]
	s.mu.Unlock() // drop the lock across the expensive parse phases

	if ref == nil {
		parsed, err := gwcontainer.Parse(bytes)
		if err != nil {
			return nil, fault.New(r.logger, fault.InvalidInput, "registry.ResolveFunction", err)
		}
		ref = &ImageRef{Kind: ImageFat, Parsed: parsed}
		s.mu.Lock()
		s.moduleToImage[mod] = ref // always populated; resolves open question #1
		s.mu.Unlock()
	}

	image := selectImage(ref.Parsed, r.deviceArch)
	if image == nil {
		return nil, fault.New(r.logger, fault.NotReady, "registry.ResolveFunction", fmt.Errorf("no machine image matches device arch %q", r.deviceArch))
	}

	set, ok := r.resolver.InstructionSetFor(image.Arch)
	if !ok {
		return nil, fault.New(r.logger, fault.NotReady, "registry.ResolveFunction", fmt.Errorf("no instruction set loaded for arch %q", image.Arch))
	}
	capability, ok := r.resolver.CapabilityFor(image.Arch, image.Bytes)
	if !ok {
		return nil, fault.New(r.logger, fault.NotReady, "registry.ResolveFunction", fmt.Errorf("no cfg capability for arch %q", image.Arch))
	}

	k, err := kernel.Extract(image.Bytes, set, name, capability)
	if err != nil {
		return nil, fault.New(r.logger, fault.InvalidInput, "registry.ResolveFunction", err)
	}
	k.Arch = image.Arch

	// recheck existence: a concurrent caller on the same function (a
	// different context/key collision aside) may have finished first.
	s.mu.Lock()
	if existing, ok := s.functionToKernel[fn]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	s.functionToKernel[fn] = k
	s.mu.Unlock()
	return k, nil
}

// ImageForFunction returns the per-architecture machine image bytes fn's
// kernel was last extracted from, letting a caller rebuild an
// instrument.Context after ResolveFunction without re-running the
// container parser. fn must already have been resolved at least once.
func (r *Registry) ImageForFunction(c Context, fn driver.FunctionHandle) ([]byte, error) {
	s := r.ctx(c)
	s.mu.Lock()
	mod, ok := s.functionToModule[fn]
	if !ok {
		s.mu.Unlock()
		return nil, fault.New(r.logger, fault.NotFound, "registry.ImageForFunction", fmt.Errorf("function %d not linked to a module", fn))
	}
	ref := s.moduleToImage[mod]
	s.mu.Unlock()
	if ref == nil {
		return nil, fault.New(r.logger, fault.NotReady, "registry.ImageForFunction", fmt.Errorf("module %d has no parsed image yet", mod))
	}
	image := selectImage(ref.Parsed, r.deviceArch)
	if image == nil {
		return nil, fault.New(r.logger, fault.NotReady, "registry.ImageForFunction", fmt.Errorf("no machine image matches device arch %q", r.deviceArch))
	}
	return image.Bytes, nil
}

// ReportFunctionAttributes queries the driver for fn's static attributes
// and demangles its recorded name.8 and SPEC_FULL.md
// section 5.
func (r *Registry) ReportFunctionAttributes(ctx context.Context, c Context, fn driver.FunctionHandle) (*FunctionAttributes, error) {
	if r.hooks == nil {
		return nil, fault.New(r.logger, fault.SdkFailure, "registry.ReportFunctionAttributes", fmt.Errorf("no driver hooks configured"))
	}
	s := r.ctx(c)
	s.mu.Lock()
	name := s.functionToName[fn]
	s.mu.Unlock()

	attrs := &FunctionAttributes{}
	var err error
	if attrs.RegisterCount, err = r.hooks.FuncGetAttribute(ctx, fn, driver.AttrNumRegs); err != nil {
		return nil, fault.New(r.logger, fault.SdkFailure, "registry.ReportFunctionAttributes", err)
	}
	attrs.SharedSizeBytes, _ = r.hooks.FuncGetAttribute(ctx, fn, driver.AttrSharedSizeBytes)
	attrs.ConstSizeBytes, _ = r.hooks.FuncGetAttribute(ctx, fn, driver.AttrConstSizeBytes)
	attrs.LocalSizeBytes, _ = r.hooks.FuncGetAttribute(ctx, fn, driver.AttrLocalSizeBytes)
	attrs.PtxVersion, _ = r.hooks.FuncGetAttribute(ctx, fn, driver.AttrPtxVersion)
	attrs.SassVersion, _ = r.hooks.FuncGetAttribute(ctx, fn, driver.AttrSassVersion)

	if demangled, err := demangle.ToString(name); err == nil {
		attrs.DemangledName = demangled
	} else {
		attrs.DemangledName = name
	}
	return attrs, nil
}

// CheckpointPush records a newly captured checkpoint token for c, serialized
// by c's own context lock.
func (r *Registry) CheckpointPush(c Context, token string) {
	s := r.ctx(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints = append(s.checkpoints, token)
}

// CheckpointPop removes and returns the top checkpoint token for c, if any.
func (r *Registry) CheckpointPop(c Context) (string, bool) {
	s := r.ctx(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.checkpoints) == 0 {
		return "", false
	}
	top := s.checkpoints[len(s.checkpoints)-1]
	s.checkpoints = s.checkpoints[:len(s.checkpoints)-1]
	return top, true
}

func (r *Registry) warn(op string, err error) {
	if r.logger != nil {
		r.logger.Warn(op, slog.String("error", err.Error()))
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func selectImage(parsed *gwcontainer.ParseResult, deviceArch string) *gwcontainer.MachineImage {
	for i := range parsed.MachineImages {
		if kernel.IsArchEqual(parsed.MachineImages[i].Arch, deviceArch, true) {
			return &parsed.MachineImages[i]
		}
	}
	return nil
}
