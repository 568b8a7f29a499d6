package entities

// Language is a practice language.
type Language struct {
	Code       string `json:"code"`
	Name       string `json:"name"`
	NativeName string `json:"nativeName"`
	// Locale is the BCP-47 tag used for speech recognition.
	Locale string `json:"locale"`
}

const (
	DefaultNativeLanguage = "en"
	DefaultTargetLanguage = "es"
)

var languages = []Language{
	{Code: "es", Name: "Spanish", NativeName: "Español", Locale: "es-ES"},
	{Code: "en", Name: "English", NativeName: "English", Locale: "en-US"},
	{Code: "fr", Name: "French", NativeName: "Français", Locale: "fr-FR"},
	{Code: "de", Name: "German", NativeName: "Deutsch", Locale: "de-DE"},
	{Code: "it", Name: "Italian", NativeName: "Italiano", Locale: "it-IT"},
	{Code: "pt", Name: "Portuguese", NativeName: "Português", Locale: "pt-BR"},
	{Code: "ja", Name: "Japanese", NativeName: "日本語", Locale: "ja-JP"},
	{Code: "ko", Name: "Korean", NativeName: "한국어", Locale: "ko-KR"},
	{Code: "zh", Name: "Chinese", NativeName: "中文", Locale: "cmn-Hans-CN"},
}

// Languages lists every supported language.
func Languages() []Language {
	out := make([]Language, len(languages))
	copy(out, languages)
	return out
}

func LookupLanguage(code string) (Language, bool) {
	for _, l := range languages {
		if l.Code == code {
			return l, true
		}
	}
	return Language{}, false
}
