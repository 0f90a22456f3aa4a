package middleware

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	log "github.com/sirupsen/logrus"
	"golang.org/x/text/language"
)

//go:embed locales/*.json
var embeddedLocales embed.FS

// Context keys set by the I18n middleware
const (
	LanguageKey   = "language"
	TranslatorKey = "translator"
)

// I18nConfig configures the translator
type I18nConfig struct {
	DefaultLanguage string
	// LocalesDir overrides the embedded locale files when set
	LocalesDir string
}

// Translator holds the loaded translations
type Translator struct {
	bundle       *i18n.Bundle
	defaultLang  string
	languages    []string
	matcher      language.Matcher
	localizer    map[string]*i18n.Localizer
	translations map[string]map[string]interface{}
}

// NewTranslator loads all *.json locale files
func NewTranslator(config I18nConfig) (*Translator, error) {
	if config.DefaultLanguage == "" {
		config.DefaultLanguage = "en"
	}

	var fsys fs.FS = embeddedLocales
	dir := "locales"
	if config.LocalesDir != "" {
		fsys = os.DirFS(config.LocalesDir)
		dir = "."
	}

	bundle := i18n.NewBundle(language.MustParse(config.DefaultLanguage))
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

	t := &Translator{
		bundle:       bundle,
		defaultLang:  config.DefaultLanguage,
		localizer:    make(map[string]*i18n.Localizer),
		translations: make(map[string]map[string]interface{}),
	}

	localeFiles, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read locales: %w", err)
	}

	for _, file := range localeFiles {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
			continue
		}
		langCode := strings.TrimSuffix(file.Name(), path.Ext(file.Name()))

		data, err := fs.ReadFile(fsys, path.Join(dir, file.Name()))
		if err != nil {
			return nil, err
		}
		if _, err := bundle.ParseMessageFileBytes(data, file.Name()); err != nil {
			return nil, fmt.Errorf("failed to parse locale %s: %w", file.Name(), err)
		}

		var translations map[string]interface{}
		if err := json.Unmarshal(data, &translations); err != nil {
			return nil, err
		}
		t.translations[langCode] = flattenMap(translations, "")
		t.localizer[langCode] = i18n.NewLocalizer(bundle, langCode, config.DefaultLanguage)
		t.languages = append(t.languages, langCode)
	}

	if _, ok := t.translations[config.DefaultLanguage]; !ok {
		return nil, fmt.Errorf("no locale file for default language %q", config.DefaultLanguage)
	}

	// Default language first so it wins when nothing matches
	sort.Slice(t.languages, func(i, j int) bool {
		if t.languages[i] == config.DefaultLanguage {
			return true
		}
		if t.languages[j] == config.DefaultLanguage {
			return false
		}
		return t.languages[i] < t.languages[j]
	})
	tags := make([]language.Tag, len(t.languages))
	for i, l := range t.languages {
		tags[i] = language.Make(l)
	}
	t.matcher = language.NewMatcher(tags)

	log.Infof("Loaded translations for %v (default %s)", t.languages, config.DefaultLanguage)
	return t, nil
}

// Languages returns the available language codes, default first
func (t *Translator) Languages() []string {
	out := make([]string, len(t.languages))
	copy(out, t.languages)
	return out
}

// DefaultLanguage returns the fallback language
func (t *Translator) DefaultLanguage() string {
	return t.defaultLang
}

// Supported reports whether lang has a locale file
func (t *Translator) Supported(lang string) bool {
	_, ok := t.translations[lang]
	return ok
}

// Match picks the best language for an Accept-Language header
func (t *Translator) Match(acceptLanguage string) string {
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return t.defaultLang
	}
	_, idx, conf := t.matcher.Match(tags...)
	if conf == language.No {
		return t.defaultLang
	}
	return t.languages[idx]
}

// T looks up key for lang, falling back to the default language and then the key itself
func (t *Translator) T(lang, key string) string {
	if val, ok := t.lookup(lang, key); ok {
		return val
	}
	if val, ok := t.lookup(t.defaultLang, key); ok {
		return val
	}
	return key
}

// Has reports whether key exists in the default language
func (t *Translator) Has(key string) bool {
	_, ok := t.lookup(t.defaultLang, key)
	return ok
}

// Localize renders a templated message
func (t *Translator) Localize(lang, key string, data map[string]interface{}) string {
	localizer, ok := t.localizer[lang]
	if !ok {
		localizer = t.localizer[t.defaultLang]
	}
	msg, err := localizer.Localize(&i18n.LocalizeConfig{
		MessageID:    key,
		TemplateData: data,
	})
	if err != nil {
		log.Debugf("Localize %s/%s failed: %v", lang, key, err)
		return t.T(lang, key)
	}
	return msg
}

func (t *Translator) lookup(lang, key string) (string, bool) {
	translations, ok := t.translations[lang]
	if !ok {
		return "", false
	}
	val, ok := translations[key].(string)
	return val, ok
}

// I18n resolves the request language from the lang query parameter, the
// session or the Accept-Language header. A lang parameter is stored in the
// session. Requires the sessions middleware.
func I18n(translator *Translator) gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		lang := c.Query("lang")

		if lang != "" && translator.Supported(lang) {
			session.Set(LanguageKey, lang)
			if err := session.Save(); err != nil {
				log.Warnf("Failed to save language preference: %v", err)
			}
		} else if stored, ok := session.Get(LanguageKey).(string); ok && translator.Supported(stored) {
			lang = stored
		} else {
			lang = translator.Match(c.GetHeader("Accept-Language"))
		}

		c.Set(LanguageKey, lang)
		c.Set(TranslatorKey, translator)
		c.Set("t", func(key string) string {
			return translator.T(lang, key)
		})

		c.Next()
	}
}

// LanguageFrom returns the language chosen by the I18n middleware
func LanguageFrom(c *gin.Context) string {
	return c.GetString(LanguageKey)
}

// flattenMap turns nested maps into dotted keys ("error.busy")
func flattenMap(input map[string]interface{}, prefix string) map[string]interface{} {
	result := make(map[string]interface{})

	for k, v := range input {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}

		switch child := v.(type) {
		case map[string]interface{}:
			for childKey, childValue := range flattenMap(child, key) {
				result[childKey] = childValue
			}
		default:
			result[key] = v
		}
	}

	return result
}
