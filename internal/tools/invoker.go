// Package tools runs the tool calls requested by the model.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/RichardoC/searchchat/internal/logging"
	"github.com/RichardoC/searchchat/internal/models"
	"github.com/sourcegraph/conc/iter"
	lctools "github.com/tmc/langchaingo/tools"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
)

var (
	ErrUnknownTool      = errors.New("unknown tool")
	ErrInvalidArguments = errors.New("invalid tool arguments")
)

// Definition describes a tool to the model.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

type registered struct {
	tool       lctools.Tool
	schema     *gojsonschema.Schema
	parameters map[string]any
}

// Invoker executes tool calls against a set of registered tools. Calls of one
// turn run concurrently; results keep the order of the calls.
type Invoker struct {
	tools  map[string]registered
	logger *zap.Logger
}

func NewInvoker(logger *zap.Logger) *Invoker {
	return &Invoker{
		tools:  make(map[string]registered),
		logger: logger,
	}
}

// Register adds a tool whose arguments must satisfy the given JSON schema.
func (inv *Invoker) Register(tool lctools.Tool, schema string) error {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
	if err != nil {
		return fmt.Errorf("invalid schema for tool %s: %w", tool.Name(), err)
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(schema), &params); err != nil {
		return fmt.Errorf("invalid schema for tool %s: %w", tool.Name(), err)
	}
	inv.tools[tool.Name()] = registered{tool: tool, schema: compiled, parameters: params}
	return nil
}

func (inv *Invoker) Definitions() []Definition {
	defs := make([]Definition, 0, len(inv.tools))
	for name, r := range inv.tools {
		defs = append(defs, Definition{
			Name:        name,
			Description: r.tool.Description(),
			Parameters:  r.parameters,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Invoke answers every call with exactly one tool message. Unknown tools and
// arguments that fail validation are answered with an error payload so the
// model can recover; a failing tool aborts the whole batch.
func (inv *Invoker) Invoke(ctx context.Context, calls []models.ToolCall) ([]models.Message, error) {
	return iter.MapErr(calls, func(call *models.ToolCall) (models.Message, error) {
		content, err := inv.invoke(ctx, *call)
		if err != nil {
			return models.Message{}, fmt.Errorf("tool %s: %w", call.Name, err)
		}
		return models.ToolResultMessage(*call, content), nil
	})
}

func (inv *Invoker) invoke(ctx context.Context, call models.ToolCall) (string, error) {
	r, ok := inv.tools[call.Name]
	if !ok {
		inv.logger.Warn("model requested unknown tool", zap.String("tool", call.Name))
		return errorContent(fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)), nil
	}

	args := strings.TrimSpace(call.Arguments)
	if args == "" {
		args = "{}"
	}
	if err := validate(r.schema, args); err != nil {
		inv.logger.Warn("rejected tool arguments",
			zap.String("tool", call.Name),
			logging.Truncated("arguments", call.Arguments),
			zap.Error(err))
		return errorContent(err), nil
	}

	inv.logger.Debug("invoking tool", zap.String("tool", call.Name), zap.String("call_id", call.ID))
	return r.tool.Call(ctx, args)
}

func validate(schema *gojsonschema.Schema, args string) error {
	result, err := schema.Validate(gojsonschema.NewStringLoader(args))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if !result.Valid() {
		var problems []string
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalidArguments, strings.Join(problems, "; "))
	}
	return nil
}

func errorContent(err error) string {
	out, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(out)
}
