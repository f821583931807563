package services

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pixelcredit/backend/internal/models"
)

// Catalog resolves the declared cost of a tool. It is read once per job.
type Catalog interface {
	GetCost(ctx context.Context, toolID string) (int64, error)
}

// PromptBuilder turns a normalized request into the provider instruction.
type PromptBuilder interface {
	BuildPrompt(toolID string, input models.NormalizedInput) (string, error)
}

type toolTemplate struct {
	models.Tool
	minImages  int
	textPrompt string
}

var defaultTools = []toolTemplate{
	{
		Tool: models.Tool{ID: "ai-model", Name: "AI Model", Cost: 15,
			Instruction: "Seamlessly replace the face in the first image with the face from the second image. Maintain the original lighting, angle, and style. Make it look natural and professional."},
		minImages:  2,
		textPrompt: "Professional fashion model photography: {prompt}. High quality, studio lighting, detailed, realistic",
	},
	{
		Tool: models.Tool{ID: "try-on-clothes", Name: "Try-On Clothes", Cost: 12,
			Instruction: "Replace the clothing on the person in the first image with the clothing from the second image. Keep the person's pose, body shape, and face exactly the same. Only change the clothes to match the style, fit, and appearance from the second image. Ensure realistic lighting, shadows, and natural wrinkles/folds in the fabric."},
		minImages:  2,
		textPrompt: "E-commerce product photography with model wearing clothes: {prompt}. Clean background, professional lighting",
	},
	{
		Tool: models.Tool{ID: "glasses-tryon", Name: "Glasses Try-On", Cost: 10,
			Instruction: "Take the glasses (or other accessory) from the second image and place them onto the face in the first image. The glasses must fit the face naturally: match size, angle, rotation and position to the face's perspective, with realistic shadows, reflections and lighting."},
		minImages:  2,
		textPrompt: "Fashion model wearing accessories: {prompt}. Close-up, detailed, professional photography",
	},
	{
		Tool: models.Tool{ID: "pose-variation", Name: "Pose Variation", Cost: 9,
			Instruction: "Change the pose of the person in the image to: {pose_description}. Keep the person's identity, clothing and appearance exactly the same. Stable composition, realistic texture."},
		minImages:  1,
		textPrompt: "Fashion model in a new pose: {prompt}. Stable composition, realistic texture",
	},
	{
		Tool: models.Tool{ID: "shoe-tryon", Name: "Shoe Try-On", Cost: 11,
			Instruction: "Replace the footwear on the person in the first image with the shoes from the second image. Keep the person's pose, body, and everything else exactly the same, only change the shoes. Match size, angle and perspective to the person's stance, with realistic ground contact, shadows and lighting."},
		minImages:  2,
		textPrompt: "Professional footwear photography: {prompt}. Clear details, studio lighting",
	},
	{
		Tool: models.Tool{ID: "scene-change", Name: "Scene Change", Cost: 10,
			Instruction: "Change the background scene to: {prompt}. Keep the main subject unchanged, only modify the background environment. Make it look natural and realistic with proper lighting and perspective."},
		minImages:  1,
		textPrompt: "Product photography in different scene: {prompt}. Realistic background, natural lighting",
	},
	{
		Tool: models.Tool{ID: "color-change", Name: "Color Change", Cost: 8,
			Instruction: "Change the product color to: {prompt}. Maintain all other details, textures, and lighting. Only modify the color."},
		minImages:  1,
		textPrompt: "Product with color variation: {prompt}. Clean, detailed, professional photography",
	},
}

var defaultPlaceholders = map[string]string{
	"pose_description": "a natural dynamic pose",
}

// StaticCatalog is an immutable in-process catalog. Costs may be overridden
// at construction, never afterwards.
type StaticCatalog struct {
	tools map[string]toolTemplate
}

var (
	_ Catalog       = (*StaticCatalog)(nil)
	_ PromptBuilder = (*StaticCatalog)(nil)
)

func NewStaticCatalog(costOverrides map[string]int64) *StaticCatalog {
	tools := make(map[string]toolTemplate, len(defaultTools))
	for _, t := range defaultTools {
		if cost, ok := costOverrides[t.ID]; ok && cost > 0 {
			t.Cost = cost
		}
		tools[t.ID] = t
	}
	return &StaticCatalog{tools: tools}
}

func (c *StaticCatalog) GetCost(_ context.Context, toolID string) (int64, error) {
	t, ok := c.tools[toolID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrToolNotFound, toolID)
	}
	return t.Cost, nil
}

// Tools lists the catalog sorted by identifier.
func (c *StaticCatalog) Tools() []models.Tool {
	out := make([]models.Tool, 0, len(c.tools))
	for _, t := range c.tools {
		out = append(out, t.Tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// BuildPrompt uses the image instruction when enough reference images were
// supplied and falls back to a text-only prompt otherwise.
func (c *StaticCatalog) BuildPrompt(toolID string, input models.NormalizedInput) (string, error) {
	t, ok := c.tools[toolID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, toolID)
	}

	template := t.textPrompt
	if len(input.Images) >= t.minImages {
		template = t.Instruction
	} else if strings.TrimSpace(input.Prompt) == "" {
		return "", fmt.Errorf("%w: %s needs %d image(s) or a prompt", ErrInvalidRequest, toolID, t.minImages)
	}

	values := map[string]string{"prompt": input.Prompt}
	for k, v := range defaultPlaceholders {
		values[k] = v
	}
	for k, v := range input.Options {
		values[k] = v
	}
	if input.Prompt != "" {
		if _, set := input.Options["pose_description"]; !set {
			values["pose_description"] = input.Prompt
		}
	}

	pairs := make([]string, 0, len(values)*2)
	for k, v := range values {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template), nil
}
