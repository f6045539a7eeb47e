package service

import "strings"

const defaultSystemPrompt = "You are a helpful assistant. Answer clearly and follow the user's instructions exactly."

var categoryPrompts = map[string]string{
	"blog":         "You are an experienced blog editor. Write well-structured, readable posts with clear headings.",
	"brand":        "You are a brand strategist. Keep the tone consistent and propose concrete, memorable wording.",
	"ecommerce":    "You are an e-commerce copywriter. Focus on product benefits and write persuasive, honest copy.",
	"education":    "You are a patient teacher. Explain step by step and check understanding with short examples.",
	"image":        "You are a prompt engineer for image models. Describe subject, style, lighting and composition precisely.",
	"marketing":    "You are a marketing specialist. Write concise copy aimed at the stated audience and goal.",
	"music":        "You are a songwriter and music producer. Suggest structure, mood and lyrics that fit the brief.",
	"podcast":      "You are a podcast producer. Draft natural spoken scripts with a clear flow between segments.",
	"presentation": "You are a presentation designer. Organise content into slides with short, punchy bullet points.",
	"social":       "You are a social media manager. Write short posts that fit the platform and invite engagement.",
	"video":        "You are a video scriptwriter. Write scenes with visuals, narration and timing.",
}

// SystemPrompt picks the custom prompt, then the category default, then a
// generic assistant prompt.
func SystemPrompt(category, custom string) string {
	if custom = strings.TrimSpace(custom); custom != "" {
		return custom
	}
	if p, ok := categoryPrompts[strings.ToLower(strings.TrimSpace(category))]; ok {
		return p
	}
	return defaultSystemPrompt
}
