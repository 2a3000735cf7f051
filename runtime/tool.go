package runtime

import (
	"strings"
	"sync"

	"github.com/spf13/cast"

	"github.com/warriorguo/llmflow/types"
)

// ToolHandler executes one tool node. Tool steps spend no tokens and
// report zero cost; their output flows downstream exactly like agent
// text.
type ToolHandler func(ctx types.Context, config types.Data, input string) (string, error)

type toolRegistry struct {
	mu sync.RWMutex

	handlers map[string]ToolHandler
}

func newToolRegistry() *toolRegistry {
	r := &toolRegistry{handlers: make(map[string]ToolHandler)}
	r.register("echo", echoTool)
	r.register("template", templateTool)
	return r
}

func (r *toolRegistry) register(name string, handler ToolHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[name] = handler
}

func (r *toolRegistry) resolve(name string) (ToolHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, exists := r.handlers[name]
	if !exists {
		return nil, types.NewConfigErrorf("unknown tool type: %s", name)
	}
	return handler, nil
}

// echoTool passes its input through unchanged. Handy as a join point
// between parallel branches.
func echoTool(ctx types.Context, config types.Data, input string) (string, error) {
	return input, nil
}

/**
 * templateTool renders config["template"], substituting {{input}} with
 * the upstream text and {{<key>}} with any other string value from the
 * config. Unknown placeholders are left as-is.
 */
func templateTool(ctx types.Context, config types.Data, input string) (string, error) {
	tmpl := cast.ToString(config["template"])
	if tmpl == "" {
		return "", types.NewConfigErrorf("template tool: config has no template")
	}
	out := strings.ReplaceAll(tmpl, "{{input}}", input)
	for key, value := range config {
		if key == "template" {
			continue
		}
		out = strings.ReplaceAll(out, "{{"+key+"}}", cast.ToString(value))
	}
	return out, nil
}
