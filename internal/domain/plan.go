package domain

// Канонические глаголы, которые умеет исполнять расширение
const (
	ActionNavigate        = "navigate"
	ActionFill            = "fill"
	ActionClick           = "click"
	ActionExtract         = "extract"
	ActionSend            = "send"
	ActionPurchase        = "purchase"
	ActionDeleteImportant = "delete_important"
	ActionLegalSigning    = "legal_signing"
)

// Step — атомарное действие в браузере.
type Step struct {
	ID       string         `json:"id"`
	Action   string         `json:"action"`             // Глагол: navigate, fill, send...
	Target   string         `json:"target"`             // Платформа, URL или описание селектора
	Platform string         `json:"platform,omitempty"` // Имя платформы для PolicyEngine
	Params   map[string]any `json:"params,omitempty"`

	// Optional — провал шага не останавливает пайплайн
	Optional bool `json:"optional,omitempty"`
}

// TaskPlan — упорядоченная последовательность шагов.
// Шаг N+1 отправляется только после того, как разрешился шаг N.
type TaskPlan struct {
	Description string `json:"description"`
	Steps       []Step `json:"steps"`
}
