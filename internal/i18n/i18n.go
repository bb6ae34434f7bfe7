// Package i18n renders candidate-facing text from the embedded locale
// catalogs. Every lookup falls back to the message id, so a missing
// translation shows up as a key on screen instead of failing a request.
package i18n

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"path"

	goi18n "github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"

	"github.com/pavelanni/bandexam/internal/model"
)

//go:embed locales/*.json
var locales embed.FS

var (
	catalog     *goi18n.Bundle
	defaultLang string
)

// Init builds the catalog from the embedded locales. lang is the station
// language, used when a request carries no usable preference.
func Init(lang string) error {
	tag, err := language.Parse(lang)
	if err != nil {
		return fmt.Errorf("parse language %q: %w", lang, err)
	}
	b := goi18n.NewBundle(tag)
	b.RegisterUnmarshalFunc("json", json.Unmarshal)

	files, err := fs.Glob(locales, "locales/*.json")
	if err != nil {
		return fmt.Errorf("list locales: %w", err)
	}
	for _, name := range files {
		data, err := locales.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read locale %s: %w", name, err)
		}
		mf, err := b.ParseMessageFileBytes(data, path.Base(name))
		if err != nil {
			return fmt.Errorf("parse locale %s: %w", name, err)
		}
		slog.Debug("locale loaded", "tag", mf.Tag, "messages", len(mf.Messages))
	}
	catalog, defaultLang = b, tag.String()
	return nil
}

// NewLocalizer returns a localizer preferring langs in order. Each entry may
// be a bare tag or a raw Accept-Language header.
func NewLocalizer(langs ...string) *goi18n.Localizer {
	return goi18n.NewLocalizer(catalog, langs...)
}

type localizerKey struct{}

// WithLocalizer attaches loc to ctx for the lookups below.
func WithLocalizer(ctx context.Context, loc *goi18n.Localizer) context.Context {
	return context.WithValue(ctx, localizerKey{}, loc)
}

func localize(ctx context.Context, cfg *goi18n.LocalizeConfig) string {
	loc, ok := ctx.Value(localizerKey{}).(*goi18n.Localizer)
	if !ok {
		loc = NewLocalizer(defaultLang)
	}
	s, err := loc.Localize(cfg)
	if err != nil {
		slog.Warn("missing translation", "id", cfg.MessageID, "error", err)
		return cfg.MessageID
	}
	return s
}

// T returns the message msgID.
func T(ctx context.Context, msgID string) string {
	return localize(ctx, &goi18n.LocalizeConfig{MessageID: msgID})
}

// Td returns msgID rendered with data.
func Td(ctx context.Context, msgID string, data map[string]any) string {
	return localize(ctx, &goi18n.LocalizeConfig{MessageID: msgID, TemplateData: data})
}

// Tp returns the plural form of msgID for count; the template sees it as
// .Count.
func Tp(ctx context.Context, msgID string, count int) string {
	return localize(ctx, &goi18n.LocalizeConfig{
		MessageID:    msgID,
		PluralCount:  count,
		TemplateData: map[string]any{"Count": count},
	})
}

var noticeMessages = map[model.NoticeCode]string{
	model.NoticeUploadsIncomplete: "NoticeUploadsIncomplete",
	model.NoticeSyncFailed:        "NoticeSyncFailed",
	model.NoticeDeviceUnavailable: "NoticeDeviceUnavailable",
	model.NoticePersistFailed:     "NoticePersistFailed",
}

// Notice returns the candidate-facing text of a notice. Unknown codes are
// shown as is.
func Notice(ctx context.Context, n model.Notice) string {
	id, ok := noticeMessages[n.Code]
	if !ok {
		return string(n.Code)
	}
	return Td(ctx, id, map[string]any{"Count": n.Count, "Detail": n.Detail})
}

var moduleMessages = map[model.ModuleKind]string{
	model.ModuleListening: "ModuleListening",
	model.ModuleReading:   "ModuleReading",
	model.ModuleWriting:   "ModuleWriting",
	model.ModuleSpeaking:  "ModuleSpeaking",
}

// ModuleName returns the localized name of a module.
func ModuleName(ctx context.Context, m model.ModuleKind) string {
	if id, ok := moduleMessages[m]; ok {
		return T(ctx, id)
	}
	return string(m)
}
