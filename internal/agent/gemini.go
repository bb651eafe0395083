package agent

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"scenechat/internal/logging"
	"scenechat/internal/rpc"
)

const systemInstruction = `You are an intelligent assistant for a 3D scene editor, helping users work with scenes built from prims (3D objects).

Your capabilities include:
- Analyzing what the user is looking at in the viewport using raycast
- Getting information about selected prims
- Retrieving detailed properties of specific prims
- Creating new 3D primitives (cubes, spheres, cylinders, cones)
- Listing all prims in the scene hierarchy
- Understanding camera position and orientation

Guidelines:
1. When the user asks "what am I looking at" or similar, use the raycast_from_camera tool
2. When the user asks about their selection, use the get_selection tool
3. When the user wants to create objects, use the create_prim tool with appropriate parameters
4. When exploring the scene, use list_all_prims to understand the hierarchy
5. Always provide clear, helpful responses about the 3D scene
6. If a tool returns an error, explain it clearly to the user

Be conversational but concise. Focus on helping users understand and manipulate their 3D scenes effectively.`

// GeminiClient implements Client on the Gemini streaming API.
type GeminiClient struct {
	client      *genai.Client
	model       string
	temperature float32
	maxTokens   int32
}

// NewGeminiClient creates a Gemini-backed Client.
func NewGeminiClient(ctx context.Context, apiKey, model string, temperature float64, maxTokens int) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiClient{
		client:      client,
		model:       model,
		temperature: float32(temperature),
		maxTokens:   int32(maxTokens),
	}, nil
}

// StreamTurn streams one model turn, forwarding text deltas to onText
// and collecting function calls.
func (c *GeminiClient) StreamTurn(ctx context.Context, history []Message, tools []rpc.ToolSchema, onText func(string) error) ([]FunctionCall, error) {
	contents, err := toContents(history)
	if err != nil {
		return nil, err
	}

	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemInstruction, genai.RoleUser),
		Temperature:       genai.Ptr(c.temperature),
	}
	if c.maxTokens > 0 {
		cfg.MaxOutputTokens = c.maxTokens
	}
	if decls := toFunctionDeclarations(tools); len(decls) > 0 {
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	var calls []FunctionCall
	for resp, err := range c.client.Models.GenerateContentStream(ctx, c.model, contents, cfg) {
		if err != nil {
			return nil, fmt.Errorf("Gemini stream failed: %w", err)
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			continue
		}
		for _, part := range resp.Candidates[0].Content.Parts {
			if part.Text != "" {
				if err := onText(part.Text); err != nil {
					return nil, err
				}
			}
			if part.FunctionCall != nil {
				logging.Agent("model requested tool %s", part.FunctionCall.Name)
				calls = append(calls, FunctionCall{
					Name: part.FunctionCall.Name,
					Args: part.FunctionCall.Args,
				})
			}
		}
	}

	return calls, nil
}

// Close closes the underlying client. The genai client holds no
// resources that need closing, so this is a no-op.
func (c *GeminiClient) Close() error {
	return nil
}

// toContents converts the conversation history to genai contents.
func toContents(history []Message) ([]*genai.Content, error) {
	contents := make([]*genai.Content, 0, len(history))
	for _, msg := range history {
		switch msg.Role {
		case RoleUser:
			contents = append(contents, genai.NewContentFromText(msg.Text, genai.RoleUser))

		case RoleModel:
			var parts []*genai.Part
			if msg.Text != "" {
				parts = append(parts, genai.NewPartFromText(msg.Text))
			}
			for _, call := range msg.Calls {
				parts = append(parts, genai.NewPartFromFunctionCall(call.Name, call.Args))
			}
			if len(parts) == 0 {
				continue
			}
			contents = append(contents, genai.NewContentFromParts(parts, genai.RoleModel))

		case RoleTool:
			if msg.Response == nil {
				continue
			}
			part := genai.NewPartFromFunctionResponse(msg.Response.Name, msg.Response.Response)
			contents = append(contents, genai.NewContentFromParts([]*genai.Part{part}, genai.RoleUser))

		default:
			return nil, fmt.Errorf("unknown message role: %s", msg.Role)
		}
	}
	return contents, nil
}

// toFunctionDeclarations converts the bridge tool catalogue for the
// model. Tools with unparsable schemas are skipped, not fatal.
func toFunctionDeclarations(tools []rpc.ToolSchema) []*genai.FunctionDeclaration {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		schema, err := toGenaiSchema(tool.Parameters)
		if err != nil {
			logging.Agent("skipping tool %s: %v", tool.Name, err)
			continue
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  schema,
		})
	}
	return decls
}
