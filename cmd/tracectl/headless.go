// headless.go - a driver.Hooks/driver.ScratchAllocator pair with no real
// device behind them, grounded on audio_backend_headless.go and
// video_backend_headless.go: same method surface as the real backend,
// every call a safe no-op, here used for running tracectl against a
// captured fat binary without a live interception layer or GPU attached.
//
// License: GPLv3 or later
package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/gwatch-io/gwatch/driver"
)

// headlessHooks answers LoadModule/GetFunction with freshly minted handles
// and treats every other call as a no-op success, so instrument.Build can
// run end to end (it needs a module and function handle to attach the
// instrumented image to) without a driver underneath it.
type headlessHooks struct {
	mu        sync.Mutex
	nextMod   driver.ModuleHandle
	nextFn    driver.FunctionHandle
	functions map[driver.FunctionHandle]string
}

func newHeadlessHooks() *headlessHooks {
	return &headlessHooks{functions: map[driver.FunctionHandle]string{}}
}

func (h *headlessHooks) LoadModule(ctx context.Context, bytes []byte) (driver.ModuleHandle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextMod++
	return h.nextMod, nil
}

func (h *headlessHooks) GetFunction(ctx context.Context, mod driver.ModuleHandle, name string) (driver.FunctionHandle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextFn++
	h.functions[h.nextFn] = name
	return h.nextFn, nil
}

func (h *headlessHooks) FuncGetAttribute(ctx context.Context, fn driver.FunctionHandle, attr driver.Attribute) (int, error) {
	return 0, nil
}

func (h *headlessHooks) FuncSetAttribute(ctx context.Context, fn driver.FunctionHandle, attr driver.Attribute, value int) error {
	return nil
}

func (h *headlessHooks) Launch(ctx context.Context, fn driver.FunctionHandle, p driver.LaunchParams) error {
	return nil
}

func (h *headlessHooks) StreamSynchronize(ctx context.Context, stream driver.StreamHandle) error {
	return nil
}

// headlessScratchAllocator backs every allocation with a plain host byte
// slice, zero-filled; a real allocator's CopyToHost would read back
// whatever the device wrote, which here is exactly what Launch never
// produced. Still exercises the full marshal/collect path end to end.
type headlessScratchAllocator struct {
	mu     sync.Mutex
	nextID uint64
	bufs   map[uint64][]byte
}

func newHeadlessScratchAllocator() *headlessScratchAllocator {
	return &headlessScratchAllocator{bufs: map[uint64][]byte{}}
}

func (a *headlessScratchAllocator) Alloc(ctx context.Context, size uint32) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	a.bufs[a.nextID] = make([]byte, size)
	return a.nextID, nil
}

func (a *headlessScratchAllocator) Free(ctx context.Context, ptr uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.bufs, ptr)
	return nil
}

func (a *headlessScratchAllocator) CopyToHost(ctx context.Context, ptr uint64, size uint32) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf, ok := a.bufs[ptr]
	if !ok {
		return nil, fmt.Errorf("tracectl: headless scratch allocator: no buffer for ptr %d", ptr)
	}
	if uint32(len(buf)) != size {
		return nil, fmt.Errorf("tracectl: headless scratch allocator: buffer %d is %d bytes, asked for %d", ptr, len(buf), size)
	}
	return buf, nil
}
