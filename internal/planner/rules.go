package planner

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/xela07ax/spaceai-browserops/internal/domain"
	"github.com/xela07ax/spaceai-browserops/internal/policy"
)

var (
	// Связки последовательности: "then", "and then", "after that", ";", конец предложения
	clauseSplit = regexp.MustCompile(`(?i)\s*(?:;|\n|\.(?:\s+|$)|,?\s+and\s+then\s+|,?\s+then\s+|,?\s+after\s+that,?\s+|,?\s+afterwards,?\s+)\s*`)
	quotedRe    = regexp.MustCompile(`"([^"]*)"|'([^']*)'`)

	// Апостроф внутри слова (bob's, don't) не открывает цитату
	quotedSpanRe  = regexp.MustCompile(`"[^"]*"|\B'[^']*'\B`)
	placeholderRe = regexp.MustCompile(`\x00(\d+)\x00`)
	emailRe       = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	urlRe         = regexp.MustCompile(`(?i)\b(?:https?://\S+|(?:[a-z0-9-]+\.)+(?:com|org|net|io|ai|dev|app|co)(?:/\S*)?)`)
)

var leadingFillers = []string{"and then ", "then ", "and ", "also ", "please ", "finally ", "next "}

// verbs сопоставляет глаголы пользователя с каноническими действиями расширения
var verbs = map[string]string{
	"open": domain.ActionNavigate, "go": domain.ActionNavigate, "navigate": domain.ActionNavigate,
	"visit": domain.ActionNavigate, "browse": domain.ActionNavigate, "launch": domain.ActionNavigate,

	"fill": domain.ActionFill, "type": domain.ActionFill, "enter": domain.ActionFill,
	"write": domain.ActionFill, "compose": domain.ActionFill, "draft": domain.ActionFill, "input": domain.ActionFill,

	"click": domain.ActionClick, "press": domain.ActionClick, "tap": domain.ActionClick,
	"select": domain.ActionClick, "choose": domain.ActionClick, "submit": domain.ActionClick, "like": domain.ActionClick,

	"extract": domain.ActionExtract, "read": domain.ActionExtract, "get": domain.ActionExtract,
	"find": domain.ActionExtract, "copy": domain.ActionExtract, "summarize": domain.ActionExtract,
	"summarise": domain.ActionExtract, "check": domain.ActionExtract, "collect": domain.ActionExtract,
	"search": domain.ActionExtract, "scrape": domain.ActionExtract, "download": domain.ActionExtract,
	"list": domain.ActionExtract, "review": domain.ActionExtract,

	"send": domain.ActionSend, "reply": domain.ActionSend, "post": domain.ActionSend,
	"share": domain.ActionSend, "forward": domain.ActionSend, "email": domain.ActionSend,
	"message": domain.ActionSend, "publish": domain.ActionSend, "tweet": domain.ActionSend, "comment": domain.ActionSend,

	"pay":      domain.ActionPayment,
	"transfer": domain.ActionTransfer,
	"wire":     domain.ActionTransfer,

	"buy": domain.ActionPurchase, "purchase": domain.ActionPurchase, "order": domain.ActionPurchase, "checkout": domain.ActionPurchase,

	"delete": domain.ActionDeleteImportant, "remove": domain.ActionDeleteImportant,
	"trash": domain.ActionDeleteImportant, "erase": domain.ActionDeleteImportant,

	"sign": domain.ActionLegalSigning, "e-sign": domain.ActionLegalSigning, "esign": domain.ActionLegalSigning,
}

// phrases проверяются раньше одиночных глаголов
var phrases = map[string]string{
	"go to":    domain.ActionNavigate,
	"log in":   domain.ActionNavigate,
	"sign in":  domain.ActionNavigate,
	"log into": domain.ActionNavigate,
	"sign up":  domain.ActionFill,
	"fill in":  domain.ActionFill,
	"fill out": domain.ActionFill,
	"look up":  domain.ActionExtract,
	"look at":  domain.ActionExtract,
}

var defaultPlatforms = []string{
	"gmail", "outlook", "yahoo",
	"linkedin", "twitter", "facebook", "instagram",
	"paypal", "stripe", "chase", "revolut",
	"google docs", "notion", "docusign",
	"slack", "github", "amazon",
}

// RulePlanner — детерминированный разбор без внешних сервисов
type RulePlanner struct {
	platforms []string // Длинные имена первыми: "google docs" раньше "docs"
}

// NewRulePlanner: extra дополняет встроенный словарь платформ
func NewRulePlanner(extra ...string) *RulePlanner {
	seen := make(map[string]struct{})
	var list []string
	for _, p := range append(append([]string(nil), defaultPlatforms...), extra...) {
		p = strings.ToLower(strings.TrimSpace(p))
		if _, ok := seen[p]; ok || p == "" {
			continue
		}
		seen[p] = struct{}{}
		list = append(list, p)
	}
	sort.SliceStable(list, func(i, j int) bool { return len(list[i]) > len(list[j]) })
	return &RulePlanner{platforms: list}
}

func (p *RulePlanner) Plan(_ context.Context, text string, pctx Context) (*domain.TaskPlan, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty task", domain.ErrPlanningFailed)
	}

	current := strings.ToLower(pctx.Platform)
	if current == "" && pctx.URL != "" {
		current = policy.PlatformFromTarget(pctx.URL)
	}

	// Связки и точки внутри кавычек не режут шаг: цитаты прячем до разбиения
	masked, quotes := maskQuotes(text)

	plan := &domain.TaskPlan{Description: text}
	for _, clause := range clauseSplit.Split(masked, -1) {
		clause = trimFillers(unmaskQuotes(clause, quotes))
		if clause == "" {
			continue
		}
		step, err := p.parseClause(clause, current)
		if err != nil {
			return nil, err
		}
		if step.Platform != "" {
			current = step.Platform
		}
		plan.Steps = append(plan.Steps, step)
	}

	if err := Validate(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

func (p *RulePlanner) parseClause(clause, inherited string) (domain.Step, error) {
	// Кавычки вырезаем до токенизации, чтобы текст письма не считался глаголом или платформой
	var values []string
	bare := quotedRe.ReplaceAllStringFunc(clause, func(m string) string {
		values = append(values, strings.Trim(m, `"'`))
		return " "
	})

	words := strings.Fields(bare)
	if len(words) == 0 {
		return domain.Step{}, fmt.Errorf("%w: clause %q has no verb", domain.ErrPlanningFailed, clause)
	}

	action, rest := matchVerb(words)
	if action == "" {
		return domain.Step{}, fmt.Errorf("%w: unknown action %q", domain.ErrPlanningFailed, words[0])
	}

	object := strings.TrimSpace(strings.Join(rest, " "))
	lower := strings.ToLower(bare)

	step := domain.Step{
		Action: action,
		Params: map[string]any{"text": clause},
	}

	// Адрес почты не должен распознаваться как URL
	if u := urlRe.FindString(emailRe.ReplaceAllString(object, " ")); u != "" {
		step.Target = strings.TrimRight(u, ",")
		step.Platform = policy.PlatformFromTarget(step.Target)
	}
	if step.Platform == "" {
		step.Platform = p.findPlatform(lower)
	}
	if step.Platform == "" {
		step.Platform = inherited
	}
	if step.Target == "" {
		step.Target = object
	}
	if step.Target == "" {
		step.Target = step.Platform
	}

	if len(values) > 0 {
		step.Params["value"] = values[0]
	}
	if to := emailRe.FindString(bare); to != "" {
		step.Params["recipient"] = to
	}
	return step, nil
}

func maskQuotes(text string) (string, []string) {
	var quotes []string
	masked := quotedSpanRe.ReplaceAllStringFunc(text, func(m string) string {
		quotes = append(quotes, m)
		return "\x00" + strconv.Itoa(len(quotes)-1) + "\x00"
	})
	return masked, quotes
}

func unmaskQuotes(clause string, quotes []string) string {
	if len(quotes) == 0 {
		return clause
	}
	return placeholderRe.ReplaceAllStringFunc(clause, func(m string) string {
		i, err := strconv.Atoi(strings.Trim(m, "\x00"))
		if err != nil || i >= len(quotes) {
			return m
		}
		return quotes[i]
	})
}

func (p *RulePlanner) findPlatform(lower string) string {
	padded := " " + strings.NewReplacer(",", " ", "'s", " ", ":", " ").Replace(lower) + " "
	for _, name := range p.platforms {
		if strings.Contains(padded, " "+name+" ") {
			return name
		}
	}
	return ""
}

func matchVerb(words []string) (string, []string) {
	if len(words) >= 2 {
		two := strings.ToLower(words[0] + " " + words[1])
		if a, ok := phrases[two]; ok {
			return a, words[2:]
		}
	}
	first := strings.ToLower(strings.Trim(words[0], ",.:!"))
	if a, ok := verbs[first]; ok {
		return a, words[1:]
	}
	return "", nil
}

func trimFillers(clause string) string {
	clause = strings.TrimSpace(strings.Trim(clause, ",. "))
	for changed := true; changed; {
		changed = false
		lower := strings.ToLower(clause)
		for _, f := range leadingFillers {
			if strings.HasPrefix(lower, f) {
				clause = strings.TrimSpace(clause[len(f):])
				changed = true
				break
			}
		}
	}
	return clause
}
