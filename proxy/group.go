package proxy

import (
	"context"
	"fmt"
)

// groupLabelKey is the Docker label key used to identify group membership.
// The label value is the operator-supplied group_label config value.
const groupLabelKey = "dag.group"

// ResolveGroup enumerates all containers (including stopped ones) carrying
// the `dag.group=<label>` label and returns their ids as an immutable,
// ordered ContainerGroup. Per spec.md §3, an empty resolution is a fatal
// startup error. Grounded on the teacher's DiscoverLabeledContainers,
// narrowed from the teacher's general config/host/port label parsing (this
// spec has no per-container host routing) down to group membership only.
func ResolveGroup(ctx context.Context, runtime RuntimeClient, label string) ([]ContainerID, error) {
	ids, err := runtime.List(ctx, groupLabelKey, label)
	if err != nil {
		return nil, fmt.Errorf("proxytainer: resolve group %q: %w", label, err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: label %s=%s matched no containers", ErrEmptyGroup, groupLabelKey, label)
	}
	return ids, nil
}
