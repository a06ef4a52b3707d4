package sqlite

// Метки времени — unix-миллисекунды, 0 означает "не задано"

type executionRow struct {
	ID          string `gorm:"column:id;primaryKey"`
	Seq         int64  `gorm:"column:seq;not null;default:0"`
	UserID      string `gorm:"column:user_id;not null;index:idx_exec_user,priority:1"`
	AgentID     string `gorm:"column:agent_id;not null;default:''"`
	AgentType   string `gorm:"column:agent_type;not null;default:''"`
	PlanJSON    string `gorm:"column:plan_json;not null;default:''"`
	Status      string `gorm:"column:status;not null;default:''"`
	ResultsJSON string `gorm:"column:results_json;not null;default:'{}'"`
	Error       string `gorm:"column:error;not null;default:''"`
	ErrorKind   string `gorm:"column:error_kind;not null;default:''"`
	CreatedAt   int64  `gorm:"column:created_at;not null;default:0;index:idx_exec_user,priority:2"`
	UpdatedAt   int64  `gorm:"column:updated_at;not null;default:0"`
	CompletedAt int64  `gorm:"column:completed_at;not null;default:0"`
}

func (executionRow) TableName() string { return "executions" }

type commandLogRow struct {
	ID          string `gorm:"column:id;primaryKey"`
	Seq         int64  `gorm:"column:seq;not null;default:0"`
	TraceID     string `gorm:"column:trace_id;not null;default:''"`
	RequestID   string `gorm:"column:request_id;not null;default:''"`
	ExecutionID string `gorm:"column:execution_id;not null;index"`
	StepID      string `gorm:"column:step_id;not null;default:''"`
	UserID      string `gorm:"column:user_id;not null;default:''"`
	AgentID     string `gorm:"column:agent_id;not null;default:''"`
	Capability  string `gorm:"column:capability;not null;default:''"`
	Event       string `gorm:"column:event;not null;default:''"`
	Status      string `gorm:"column:status;not null;default:''"`
	ArgsJSON    string `gorm:"column:args_json;not null;default:''"`
	Signature   string `gorm:"column:signature;not null;default:''"`
	ResultJSON  string `gorm:"column:result_json;not null;default:''"`
	Error       string `gorm:"column:error;not null;default:''"`
	Timestamp   int64  `gorm:"column:ts;not null;default:0"`
	DurationMs  int64  `gorm:"column:duration_ms;not null;default:0"`
	PrevHash    string `gorm:"column:prev_hash;not null;default:''"`
	Hash        string `gorm:"column:hash;not null;default:''"`
}

func (commandLogRow) TableName() string { return "command_log" }

type pairingRow struct {
	ID             string `gorm:"column:id;primaryKey"`
	UserID         string `gorm:"column:user_id;not null;index"`
	InstanceID     string `gorm:"column:instance_id;not null;default:''"`
	Code           string `gorm:"column:code;not null;default:''"`
	State          string `gorm:"column:state;not null;default:''"`
	Active         bool   `gorm:"column:active;not null;default:false"`
	LastSeen       int64  `gorm:"column:last_seen;not null;default:0"`
	CreatedAt      int64  `gorm:"column:created_at;not null;default:0"`
	CodeExpiresAt  int64  `gorm:"column:code_expires_at;not null;default:0"`
	RedeemedAt     int64  `gorm:"column:redeemed_at;not null;default:0"`
	DisconnectedAt int64  `gorm:"column:disconnected_at;not null;default:0"`
}

func (pairingRow) TableName() string { return "pairings" }

type agentConfigRow struct {
	UserID     string `gorm:"column:user_id;primaryKey"`
	AgentID    string `gorm:"column:agent_id;primaryKey"`
	ConfigJSON string `gorm:"column:config_json;not null;default:''"`
	UpdatedAt  int64  `gorm:"column:updated_at;not null;default:0"`
}

func (agentConfigRow) TableName() string { return "agent_configs" }
