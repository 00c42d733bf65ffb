package engine

import (
	"fmt"

	"golang.org/x/text/language"

	"rocket-collections/internal/config"
	"rocket-collections/internal/metadata"
)

// Access modes. System mode bypasses every access rule and is only set by
// internal steps such as re-fetching a written row.
const (
	AccessUser   = "user"
	AccessSystem = "system"
)

// OpContext carries the per-call settings of an operation.
type OpContext struct {
	Session        *metadata.Session
	Locale         string
	DefaultLocale  string
	AccessMode     string
	Stage          string
	LocaleFallback *bool
}

func (oc OpContext) IsSystem() bool { return oc.AccessMode == AccessSystem }

// System returns a copy of oc that bypasses access control.
func (oc OpContext) System() OpContext {
	oc.AccessMode = AccessSystem
	return oc
}

// fallback reports whether reads merge default-locale values into missing
// current-locale values.
func (oc OpContext) fallback() bool {
	if oc.LocaleFallback != nil && !*oc.LocaleFallback {
		return false
	}
	return oc.Locale != oc.DefaultLocale
}

func (oc OpContext) sessionID() string {
	if oc.Session == nil {
		return ""
	}
	return oc.Session.ID
}

type localeResolver struct {
	defaultLocale string
	fallback      bool
	supported     []string
	matcher       language.Matcher
}

func newLocaleResolver(cfg config.LocaleConfig) (*localeResolver, error) {
	r := &localeResolver{defaultLocale: "en", fallback: !cfg.DisableFallback}
	if cfg.Default != "" {
		tag, err := language.Parse(cfg.Default)
		if err != nil {
			return nil, fmt.Errorf("default locale %q: %w", cfg.Default, err)
		}
		r.defaultLocale = tag.String()
	}
	if len(cfg.Supported) > 0 {
		tags := make([]language.Tag, 0, len(cfg.Supported))
		for _, s := range cfg.Supported {
			tag, err := language.Parse(s)
			if err != nil {
				return nil, fmt.Errorf("supported locale %q: %w", s, err)
			}
			tags = append(tags, tag)
			r.supported = append(r.supported, tag.String())
		}
		r.matcher = language.NewMatcher(tags)
	}
	return r, nil
}

// resolve canonicalizes a requested locale, matching it to the nearest
// supported locale when a list is configured.
func (r *localeResolver) resolve(locale string) (string, error) {
	tag, err := language.Parse(locale)
	if err != nil {
		return "", BadRequest("invalid locale %q", locale)
	}
	if r.matcher == nil {
		return tag.String(), nil
	}
	_, idx, conf := r.matcher.Match(tag)
	if conf == language.No {
		return "", BadRequest("unsupported locale %q", locale)
	}
	return r.supported[idx], nil
}

// normalize fills defaults into oc and validates the requested stage.
func (c *Collection) normalize(oc OpContext) (OpContext, error) {
	switch oc.AccessMode {
	case "":
		oc.AccessMode = AccessUser
	case AccessUser, AccessSystem:
	default:
		return oc, BadRequest("unknown access mode %q", oc.AccessMode)
	}

	locales := c.engine.locales
	if oc.DefaultLocale == "" {
		oc.DefaultLocale = locales.defaultLocale
	}
	if oc.Locale == "" {
		oc.Locale = oc.DefaultLocale
	} else {
		resolved, err := locales.resolve(oc.Locale)
		if err != nil {
			return oc, err
		}
		oc.Locale = resolved
	}
	if oc.LocaleFallback == nil {
		fallback := locales.fallback
		oc.LocaleFallback = &fallback
	}

	if !c.entity.WorkflowEnabled() {
		oc.Stage = ""
	} else if oc.Stage != "" && !c.entity.Workflow.HasStage(oc.Stage) {
		return oc, BadRequest("unknown stage %q", oc.Stage)
	}
	return oc, nil
}
