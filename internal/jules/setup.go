package jules

// SetupStep is one action in a setup option.
type SetupStep struct {
	Step         int      `json:"step"`
	Action       string   `json:"action"`
	Command      string   `json:"command,omitempty"`
	URL          string   `json:"url,omitempty"`
	File         string   `json:"file,omitempty"`
	Instructions []string `json:"instructions,omitempty"`
}

// SetupOption describes how to enable one mode.
type SetupOption struct {
	Mode        string      `json:"mode"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Available   bool        `json:"available"`
	Pros        []string    `json:"pros"`
	Cons        []string    `json:"cons"`
	SetupSteps  []SetupStep `json:"setup_steps"`
}

// SetupGuide is returned when Jules cannot run in any mode, or when the
// setup mode is requested explicitly.
type SetupGuide struct {
	Status               string        `json:"status"`
	Message              string        `json:"message"`
	Options              []SetupOption `json:"options"`
	Recommendation       *string       `json:"recommendation"`
	RecommendationReason string        `json:"recommendation_reason,omitempty"`
}

// BuildSetupGuide lists both setup options with the steps still missing
// for each.
func BuildSetupGuide(modes Modes) SetupGuide {
	guide := SetupGuide{
		Status:  "setup_required",
		Message: "Jules is not fully configured. Choose a setup option below.",
		Options: []SetupOption{cliOption(modes.CLI), apiOption(modes.API)},
	}

	installed, _ := modes.CLI.Details["installed"].(bool)
	switch {
	case !modes.CLI.Available && installed:
		guide.Recommendation = strPtr("cli")
		guide.RecommendationReason = "Just need to login (jules login), then ready to go!"
	case !modes.CLI.Available && !modes.API.Available:
		guide.Recommendation = strPtr("cli")
		guide.RecommendationReason = "Easier setup (no API key needed). Can upgrade to API later."
	}
	return guide
}

func cliOption(info ModeInfo) SetupOption {
	steps := []SetupStep{}
	installed, _ := info.Details["installed"].(bool)
	loggedIn, _ := info.Details["logged_in"].(bool)

	if !installed {
		steps = append(steps, SetupStep{
			Step:   1,
			Action: "Install Jules CLI",
			Instructions: []string{
				"npm install -g @google/jules",
				"See https://jules.google/docs/cli for other platforms",
			},
		})
	}
	if !loggedIn {
		steps = append(steps, SetupStep{
			Step:    2,
			Action:  "Login to Jules",
			Command: "jules login",
			Instructions: []string{
				"1. Run: jules login",
				"2. Follow browser authentication flow",
				"3. Verify with: jules remote list",
			},
		})
	}

	return SetupOption{
		Mode:        "cli",
		Title:       "Jules CLI Mode (Quick Start - Recommended)",
		Description: "Headless sessions driven through the local jules CLI",
		Available:   info.Available,
		Pros:        []string{"No API key required", "Easy setup (just login)", "Changes pulled into the working tree"},
		Cons:        []string{"Blocks a worker while polling", "Less session detail than the API"},
		SetupSteps:  steps,
	}
}

func apiOption(info ModeInfo) SetupOption {
	steps := []SetupStep{}
	hasKey, _ := info.Details["has_api_key"].(bool)
	hasClient, _ := info.Details["has_client"].(bool)

	if !hasKey {
		steps = append(steps,
			SetupStep{
				Step:   1,
				Action: "Get API key",
				URL:    "https://jules.google/",
				Instructions: []string{
					"1. Go to https://jules.google/",
					"2. Sign in with Google account",
					"3. Navigate to: Settings > API Keys",
					"4. Create new API key",
				},
			},
			SetupStep{
				Step:    2,
				Action:  "Add API key to .env",
				Command: `echo "JULES_API_KEY=your-key-here" >> .env`,
				File:    ".env",
				Instructions: []string{
					"Create or edit .env in the directory the server starts from",
					"Add: JULES_API_KEY=<your-key>",
					"Restart the server",
				},
			})
	}
	if !hasClient {
		steps = append(steps, SetupStep{
			Step:   3,
			Action: "Enable the Jules API client",
			File:   ".delegator/config.json",
			Instructions: []string{
				`Set "jules": {"base_url": "https://jules.googleapis.com/v1alpha"}`,
			},
		})
	}

	return SetupOption{
		Mode:        "api",
		Title:       "Jules API Mode (Full Features)",
		Description: "Async sessions with web monitoring and plan approval",
		Available:   info.Available,
		Pros:        []string{"Full async execution", "Web monitoring dashboard", "Plan approval workflow"},
		Cons:        []string{"Requires API key setup", "Repository must be connected at jules.google"},
		SetupSteps:  steps,
	}
}

func (r *Router) setupGuide(modes Modes) (string, error) {
	return encode(BuildSetupGuide(modes))
}

func strPtr(s string) *string { return &s }
