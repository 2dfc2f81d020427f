package registry

import (
	"testing"

	"github.com/gwatch-io/gwatch/cfg"
	"github.com/gwatch-io/gwatch/isa"
)

type fakeResolver struct{}

func (fakeResolver) InstructionSetFor(arch string) (*isa.InstructionSet, bool) { return nil, false }
func (fakeResolver) CapabilityFor(arch string, image []byte) (cfg.Capability, bool) {
	return nil, false
}

func newTestRegistry() *Registry {
	return New(nil, "90", fakeResolver{}, nil)
}

func TestCacheModuleIdempotent(t *testing.T) {
	r := newTestRegistry()
	r.CacheModule(1, 10, []byte{1, 2, 3})
	r.CacheModule(1, 10, []byte{1, 2, 3})
	s := r.ctx(1)
	if len(s.modules) != 1 {
		t.Fatalf("expected a single module entry, got %d", len(s.modules))
	}
}

func TestCacheModuleIgnoredWhenLibraryLinked(t *testing.T) {
	r := newTestRegistry()
	r.LinkModuleToLibrary(1, 10, 99)
	r.CacheModule(1, 10, []byte{1, 2, 3})
	s := r.ctx(1)
	if _, ok := s.modules[10]; ok {
		t.Fatal("expected cache_module to be ignored for a library-linked module")
	}
}

func TestLinkModuleToLibraryIgnoredWhenBytesPresent(t *testing.T) {
	r := newTestRegistry()
	r.CacheModule(1, 10, []byte{1})
	r.LinkModuleToLibrary(1, 10, 99)
	s := r.ctx(1)
	if _, ok := s.moduleToLibrary[10]; ok {
		t.Fatal("module never appears in both modules[] and module_to_library[] for the same context")
	}
}

func TestResolveFunctionNotFoundWithoutLink(t *testing.T) {
	r := newTestRegistry()
	if _, err := r.ResolveFunction(1, 42); err == nil {
		t.Fatal("expected an error resolving an unlinked function")
	}
}

func TestCheckpointPushPop(t *testing.T) {
	r := newTestRegistry()
	r.CheckpointPush(1, "tok-a")
	r.CheckpointPush(1, "tok-b")
	top, ok := r.CheckpointPop(1)
	if !ok || top != "tok-b" {
		t.Fatalf("expected LIFO pop of tok-b, got %q ok=%v", top, ok)
	}
	if _, ok := r.CheckpointPop(1); !ok {
		t.Fatal("expected a second checkpoint still on the stack")
	}
	if _, ok := r.CheckpointPop(1); ok {
		t.Fatal("expected the checkpoint stack to be empty")
	}
}
