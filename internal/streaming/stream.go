package streaming

import (
	"context"
	"fmt"

	"agentctl/internal/config"
)

// Binaries names the CLI executables the subprocess modes shell out to.
type Binaries struct {
	Claude   string
	OpenCode string
}

// Stream dispatches req through whichever transport res.Mode names. Proxy
// and direct-API resolutions both speak the OpenAI chat-completions wire
// format; CLI resolutions pick the backend-specific subprocess adapter.
func Stream(ctx context.Context, res Resolution, req ChatRequest, bins Binaries) (<-chan Event, error) {
	switch res.Mode {
	case ModeProxy, ModeDirectAPI:
		return StreamProxy(ctx, res, req)
	case ModeCLI:
		switch req.Backend {
		case config.BackendOpenCode:
			return StreamCLIOpenCode(ctx, bins.OpenCode, req)
		default:
			return StreamCLIClaude(ctx, bins.Claude, req)
		}
	default:
		return nil, fmt.Errorf("streaming: unresolved mode %q", res.Mode)
	}
}
