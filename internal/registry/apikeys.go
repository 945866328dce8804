package registry

// Per-record overrides take precedence over the provider/content-type table.
var recordAPIKeyEnv = map[string]string{
	// VEO3
	"8aac94cb-5625-47f4-880c-4f0fd8bd83a1": "KIE_AI_API_KEY_VEO3",
	"a5c2ec16-6294-4588-86b6-7b4182601cda": "KIE_AI_API_KEY_VEO3",
	"6e8a863e-8630-4eef-bdbb-5b41f4c883f9": "KIE_AI_API_KEY_VEO3",
	"f8e9c7a5-9d4b-6f2c-8a1e-5d7b3c9f4a6e": "KIE_AI_API_KEY_VEO3",
	"e9c8b7a6-8d5c-4f3e-9a2f-6d8b5c9e4a7f": "KIE_AI_API_KEY_VEO3",
	// SORA2
	"d7f8c5a3-9b2e-6f4d-8c9a-5e7b3a6d4f8c": "KIE_AI_API_KEY_SORA2",
	"c6e5b4a3-5d2f-1c0e-6a9f-3d5b6c7e4a8f": "KIE_AI_API_KEY_SORA2",
	// Nano Banana
	"c7e9a5f3-8d4b-6f2c-9a1e-5d8b3c7f4a6e": "KIE_AI_API_KEY_NANO_BANANA",
	// Seedream V4
	"d2ffb834-fc59-4c80-bf48-c2cc25281fdd": "KIE_AI_API_KEY_SEEDREAM_V4",
	"a6c8e4f7-9d2b-5f3c-8a6e-7d4b9c5f3a8e": "KIE_AI_API_KEY_SEEDREAM_V4",
}

type providerContent struct {
	provider    string
	contentType string
}

var contentAPIKeyEnv = map[providerContent]string{
	{ProviderKieAI, ContentImageEditing}:  "KIE_AI_API_KEY_IMAGE_EDITING",
	{ProviderKieAI, ContentImageToVideo}:  "KIE_AI_API_KEY_IMAGE_TO_VIDEO",
	{ProviderKieAI, ContentPromptToImage}: "KIE_AI_API_KEY_PROMPT_TO_IMAGE",
	{ProviderKieAI, ContentPromptToVideo}: "KIE_AI_API_KEY_PROMPT_TO_VIDEO",
	{ProviderKieAI, ContentPromptToAudio}: "KIE_AI_API_KEY_PROMPT_TO_AUDIO",

	{ProviderRunware, ContentPromptToImage}: "RUNWARE_API_KEY_PROMPT_TO_IMAGE",
	{ProviderRunware, ContentImageEditing}:  "RUNWARE_API_KEY_IMAGE_EDITING",
	{ProviderRunware, ContentImageToVideo}:  "RUNWARE_API_KEY_IMAGE_TO_VIDEO",
}

// APIKeyEnv returns the credential name a model is dispatched with. An
// explicit api_key_env on the catalog entry wins, then the record-id
// overrides, then the provider/content-type table.
func APIKeyEnv(m *Model) (string, bool) {
	if m.APIKeyEnv != "" {
		return m.APIKeyEnv, true
	}
	if name, ok := recordAPIKeyEnv[m.ID]; ok {
		return name, true
	}
	name, ok := contentAPIKeyEnv[providerContent{m.Provider, m.ContentType}]
	return name, ok
}
