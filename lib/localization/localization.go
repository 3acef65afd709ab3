// Package localization renders user-facing messages in the language the
// client asked for.
package localization

import (
	"embed"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

//go:embed locales/*.json
var localeFS embed.FS

type LocalizationService struct {
	bundle *i18n.Bundle
}

var (
	globalService *LocalizationService
	once          sync.Once
)

func NewLocalizationService() *LocalizationService {
	once.Do(func() {
		bundle := i18n.NewBundle(language.English)
		bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

		entries, err := localeFS.ReadDir("locales")
		if err != nil {
			slog.Error("can't read locales", "err", err)
		}

		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") || entry.Name() == "manifest.json" {
				continue
			}

			if _, err := bundle.LoadMessageFileFS(localeFS, "locales/"+entry.Name()); err != nil {
				slog.Error("can't load locale", "fname", entry.Name(), "err", err)
			}
		}

		globalService = &LocalizationService{bundle: bundle}
	})

	return globalService
}

func (ls *LocalizationService) GetLocalizer(lang ...string) *i18n.Localizer {
	return i18n.NewLocalizer(ls.bundle, append(lang, "en")...)
}

func (ls *LocalizationService) GetLocalizerFromRequest(r *http.Request) *i18n.Localizer {
	return ls.GetLocalizer(r.Header.Get("Accept-Language"))
}

// SimpleLocalizer wraps i18n.Localizer with a more convenient API
type SimpleLocalizer struct {
	Localizer *i18n.Localizer
}

// T localizes messageID. Unknown IDs come back unchanged.
func (sl *SimpleLocalizer) T(messageID string) string {
	result, err := sl.Localizer.Localize(&i18n.LocalizeConfig{MessageID: messageID})
	if err != nil {
		return messageID
	}
	return result
}

// GetLocalizer creates a localizer based on the request's Accept-Language header
func GetLocalizer(r *http.Request) *SimpleLocalizer {
	localizer := NewLocalizationService().GetLocalizerFromRequest(r)
	return &SimpleLocalizer{Localizer: localizer}
}
