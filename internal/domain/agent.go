package domain

import (
	"fmt"
	"strings"
	"time"
)

// AutonomyLevel — насколько самостоятельно агент может выполнять глагол
type AutonomyLevel string

const (
	AutonomyAutonomous AutonomyLevel = "autonomous" // Отправлять сразу
	AutonomyConfirm    AutonomyLevel = "confirm"    // Ждать подтверждения пользователя
	AutonomySuggest    AutonomyLevel = "suggest"    // Только предложить, расширение не трогаем
)

// AgentConfiguration — пользовательские настройки автономии для пары (userId, agentId).
// Глаголы распределены по трем непересекающимся корзинам.
type AgentConfiguration struct {
	UserID          string   `json:"user_id"`
	AgentID         string   `json:"agent_id"`
	AutonomousTasks []string `json:"autonomous_tasks"`
	ConfirmTasks    []string `json:"confirm_tasks"`
	SuggestTasks    []string `json:"suggest_tasks"`

	// AllowedTools ограничивает платформы, с которыми агенту разрешено работать. Пусто — без ограничений.
	AllowedTools []string `json:"allowed_tools"`
	Permissions  []string `json:"permissions"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Validate проверяет инвариант: глагол встречается не более чем в одной корзине
func (c *AgentConfiguration) Validate() error {
	if c.UserID == "" || c.AgentID == "" {
		return fmt.Errorf("%w: user_id and agent_id are required", ErrInvalidConfig)
	}
	seen := make(map[string]string)
	buckets := []struct {
		name  string
		verbs []string
	}{
		{"autonomous_tasks", c.AutonomousTasks},
		{"confirm_tasks", c.ConfirmTasks},
		{"suggest_tasks", c.SuggestTasks},
	}
	for _, b := range buckets {
		for _, v := range b.verbs {
			key := strings.ToLower(strings.TrimSpace(v))
			if key == "" {
				return fmt.Errorf("%w: empty verb in %s", ErrInvalidConfig, b.name)
			}
			if prev, ok := seen[key]; ok && prev != b.name {
				return fmt.Errorf("%w: verb %q present in both %s and %s", ErrInvalidConfig, key, prev, b.name)
			}
			seen[key] = b.name
		}
	}
	return nil
}

// LevelFor возвращает уровень автономии для глагола.
// Отсутствие во всех корзинах — suggest (самый консервативный вариант).
// Nil-конфигурация трактуется так же.
func (c *AgentConfiguration) LevelFor(verb string) AutonomyLevel {
	if c == nil {
		return AutonomySuggest
	}
	switch {
	case containsFold(c.AutonomousTasks, verb):
		return AutonomyAutonomous
	case containsFold(c.ConfirmTasks, verb):
		return AutonomyConfirm
	default:
		return AutonomySuggest
	}
}

// ToolAllowed проверяет платформу по списку AllowedTools
func (c *AgentConfiguration) ToolAllowed(platform string) bool {
	if c == nil || len(c.AllowedTools) == 0 {
		return true
	}
	return containsFold(c.AllowedTools, platform)
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), v) {
			return true
		}
	}
	return false
}
