// collect.go - copies scratch buffers back to the host, decodes them
// through each recipe's own Collect, and releases them regardless of
// decode outcome.
//
// License: GPLv3 or later
package instrument

import (
	"context"
	"fmt"

	"github.com/gwatch-io/gwatch/driver"
)

// collect copies and frees every buffer in perRecipe, decoding each
// recipe's buffers through builds[name].Collect. A copy, free, or decode
// failure marks that one recipe "collected with errors" in the returned
// error map without affecting any other recipe's result.
func collect(ctx context.Context, scratchAlloc driver.ScratchAllocator, perRecipe map[string][]marshalledScratch, builds map[string]*BuildResult) (map[string]map[string]any, map[string]error) {
	traceResults := map[string]map[string]any{}
	errs         := map[string]error{}

	for name, buffers := range perRecipe {
		decoded := map[string][]byte{}
		var collectErr error
		for _, sb := range buffers {
			bytes, err := scratchAlloc.CopyToHost(ctx, sb.Ptr, sb.SizeBytes)
			if err != nil {
				collectErr = fmt.Errorf("instrument: copying scratch buffer %q back: %w", sb.Name, err)
			} else {
				decoded[sb.Name] = bytes
			}
			if err := scratchAlloc.Free(ctx, sb.Ptr); err != nil && collectErr == nil {
				collectErr = fmt.Errorf("instrument: freeing scratch buffer %q: %w", sb.Name, err)
			}
		}
		if collectErr != nil {
			errs[name] = collectErr
			continue
		}
		r, ok := builds[name]
		if !ok || r.Collect == nil {
			continue
		}
		out, err := r.Collect(decoded)
		if err != nil {
			errs[name] = fmt.Errorf("instrument: recipe %q collect: %w", name, err)
			continue
		}
		traceResults[name] = out
	}
	return traceResults, errs
}
