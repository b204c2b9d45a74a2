//go:build !gcp

package anchor

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/agent-hypervisor/pkg/audit"
)

func newGCSAnchor(context.Context, Config) (audit.Anchorer, error) {
	return nil, fmt.Errorf("GCS anchoring is not enabled in this build (use -tags gcp)")
}
