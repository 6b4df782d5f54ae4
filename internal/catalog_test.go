package conduit

import "testing"

func TestParseProviderType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    ProviderType
		wantErr bool
	}{
		{in: "openai", want: ProviderOpenAI},
		{in: "azure-openai", want: ProviderAzureOpenAI},
		{in: "azure", want: ProviderAzureOpenAI},
		{in: "azureopenai", want: ProviderAzureOpenAI},
		{in: "anthropic", want: ProviderAnthropic},
		{in: "vertexai", want: ProviderVertexAI},
		{in: "vertex", want: ProviderVertexAI},
		{in: "generic", want: ProviderOpenAICompatible},
		{in: "openai-compatible", want: ProviderOpenAICompatible},
		{in: "11labs", want: ProviderElevenLabs},
		{in: "sambanova", want: ProviderSambaNova},
		{in: "frontier", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseProviderType(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseProviderType(%q) = %v, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseProviderType(%q) error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseProviderType(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestProviderTypes_AllValid(t *testing.T) {
	t.Parallel()

	if len(ProviderTypes) != 23 {
		t.Fatalf("len(ProviderTypes) = %d, want 23", len(ProviderTypes))
	}
	seen := make(map[ProviderType]bool, len(ProviderTypes))
	for _, pt := range ProviderTypes {
		if !pt.Valid() {
			t.Errorf("%v not Valid()", pt)
		}
		if seen[pt] {
			t.Errorf("%v listed twice", pt)
		}
		seen[pt] = true
	}
}

func TestResolveCredential(t *testing.T) {
	t.Parallel()

	primary := KeyCredential{ID: "primary", Primary: true, Enabled: true}
	primaryDisabled := KeyCredential{ID: "primary-off", Primary: true, Enabled: false}
	secondary := KeyCredential{ID: "secondary", Enabled: true}
	disabled := KeyCredential{ID: "disabled", Enabled: false}

	tests := []struct {
		name  string
		creds []KeyCredential
		want  string // ID, "" = nil
	}{
		{name: "empty", creds: nil, want: ""},
		{name: "primary enabled wins", creds: []KeyCredential{secondary, primary}, want: "primary"},
		{name: "primary disabled skipped", creds: []KeyCredential{primaryDisabled, secondary}, want: "secondary"},
		{name: "first enabled when no primary", creds: []KeyCredential{disabled, secondary}, want: "secondary"},
		{name: "all disabled", creds: []KeyCredential{disabled, primaryDisabled}, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ResolveCredential(tt.creds)
			if tt.want == "" {
				if got != nil {
					t.Fatalf("ResolveCredential = %v, want nil", got)
				}
				return
			}
			if got == nil {
				t.Fatalf("ResolveCredential = nil, want %q", tt.want)
			}
			if got.ID != tt.want {
				t.Errorf("ResolveCredential.ID = %q, want %q", got.ID, tt.want)
			}
		})
	}
}
