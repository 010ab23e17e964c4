// Package catalog holds the per-tool execution settings: timeout, approval
// flag and argument schema. A Catalog is built once at startup and is
// read-only afterwards, so it can be shared freely.
package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/toolflow/internal/approval"
)

// DefaultTimeout applies to tools without an explicit timeout.
const DefaultTimeout = 30 * time.Second

var (
	ErrInvalidArgs = errors.New("invalid tool arguments")
	ErrUnknownTool = errors.New("unknown tool")
)

// Entry declares one tool.
type Entry struct {
	Name             string
	Description      string
	Timeout          time.Duration
	RequiresApproval bool
	// Schema is an optional JSON schema for the tool's args.
	Schema string
}

// Options configures catalog construction.
type Options struct {
	DefaultTimeout time.Duration
	// ApprovalTools gates tools in addition to entries flagged RequiresApproval.
	// Names here need not have an entry.
	ApprovalTools []string
}

// Tool is the resolved view of a catalog entry.
type Tool struct {
	Name             string
	Description      string
	Timeout          time.Duration
	RequiresApproval bool
	HasSchema        bool
}

type tool struct {
	Tool
	schema *jsonschema.Schema
}

// Catalog is an immutable lookup table of tools.
type Catalog struct {
	tools          map[string]tool
	names          []string
	approvalList   []string
	defaultTimeout time.Duration
}

// New compiles entries into a Catalog.
func New(entries []Entry, opts Options) (*Catalog, error) {
	defaultTimeout := opts.DefaultTimeout
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	c := &Catalog{
		tools:          make(map[string]tool, len(entries)),
		defaultTimeout: defaultTimeout,
	}

	gated := map[string]struct{}{}
	for _, name := range opts.ApprovalTools {
		if name = strings.TrimSpace(name); name != "" {
			gated[name] = struct{}{}
		}
	}

	for _, entry := range entries {
		name := strings.TrimSpace(entry.Name)
		if name == "" {
			return nil, fmt.Errorf("catalog entry without name")
		}
		if _, dup := c.tools[name]; dup {
			return nil, fmt.Errorf("duplicate catalog entry %q", name)
		}
		if entry.Timeout < 0 {
			return nil, fmt.Errorf("tool %s: negative timeout", name)
		}
		t := tool{Tool: Tool{
			Name:        name,
			Description: entry.Description,
			Timeout:     entry.Timeout,
		}}
		if t.Timeout == 0 {
			t.Timeout = defaultTimeout
		}
		if strings.TrimSpace(entry.Schema) != "" {
			compiled, err := jsonschema.CompileString("tool_"+name, entry.Schema)
			if err != nil {
				return nil, fmt.Errorf("tool %s: compile schema: %w", name, err)
			}
			t.schema = compiled
			t.HasSchema = true
		}
		if entry.RequiresApproval {
			gated[name] = struct{}{}
		}
		c.tools[name] = t
		c.names = append(c.names, name)
	}
	sort.Strings(c.names)

	for name := range gated {
		c.approvalList = append(c.approvalList, name)
	}
	sort.Strings(c.approvalList)
	for name, t := range c.tools {
		t.RequiresApproval = approval.RequiresApproval(name, c.approvalList)
		c.tools[name] = t
	}
	return c, nil
}

// Lookup returns a tool by name.
func (c *Catalog) Lookup(name string) (Tool, bool) {
	if c == nil {
		return Tool{}, false
	}
	t, ok := c.tools[name]
	return t.Tool, ok
}

// Names lists catalogued tools in sorted order.
func (c *Catalog) Names() []string {
	if c == nil {
		return nil
	}
	return append([]string(nil), c.names...)
}

// ApprovalList returns the gated tool names.
func (c *Catalog) ApprovalList() []string {
	if c == nil {
		return nil
	}
	return append([]string(nil), c.approvalList...)
}

// RequiresApproval reports whether name is gated.
func (c *Catalog) RequiresApproval(name string) bool {
	if c == nil {
		return false
	}
	return approval.RequiresApproval(name, c.approvalList)
}

// Timeout returns the tool's timeout, or the default for unknown tools.
func (c *Catalog) Timeout(name string) time.Duration {
	if c == nil {
		return DefaultTimeout
	}
	if t, ok := c.tools[name]; ok {
		return t.Timeout
	}
	return c.defaultTimeout
}

// Validate checks args against the tool's schema. Tools without a schema,
// and unknown tools, accept anything.
func (c *Catalog) Validate(name string, args json.RawMessage) error {
	if c == nil {
		return nil
	}
	t, ok := c.tools[name]
	if !ok || t.schema == nil {
		return nil
	}
	var payload any
	if len(bytes.TrimSpace(args)) == 0 {
		payload = map[string]any{}
	} else if err := json.Unmarshal(args, &payload); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidArgs, name, err)
	}
	if err := t.schema.Validate(payload); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidArgs, name, err)
	}
	return nil
}
