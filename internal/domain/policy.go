package domain

import "strings"

// ApprovalMode описывает способ согласования публикаций клиента.
type ApprovalMode string

const (
	ApprovalAuto   ApprovalMode = "auto"
	ApprovalManual ApprovalMode = "manual"
)

// TimeoutPolicy описывает действие по кандидату, не дождавшемуся решения.
type TimeoutPolicy string

const (
	TimeoutAutoPost   TimeoutPolicy = "auto_post"
	TimeoutAutoCancel TimeoutPolicy = "auto_cancel"
	TimeoutFallback   TimeoutPolicy = "fallback"
)

// ClientPolicy описывает действующие ограничения ротации клиента.
type ClientPolicy struct {
	ApprovalMode  ApprovalMode
	TimeoutPolicy TimeoutPolicy
	CooldownDays  int
	MonthlyCap    int
}

// ParseApprovalMode приводит строку к известному режиму согласования.
func ParseApprovalMode(raw string) ApprovalMode {
	switch ApprovalMode(strings.ToLower(strings.TrimSpace(raw))) {
	case ApprovalAuto:
		return ApprovalAuto
	case ApprovalManual:
		return ApprovalManual
	}
	return ""
}

// ParseTimeoutPolicy приводит строку к известной политике таймаута.
func ParseTimeoutPolicy(raw string) TimeoutPolicy {
	switch TimeoutPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case TimeoutAutoPost:
		return TimeoutAutoPost
	case TimeoutAutoCancel:
		return TimeoutAutoCancel
	case TimeoutFallback:
		return TimeoutFallback
	}
	return ""
}

// Policy возвращает политику клиента, заполняя пропуски системными значениями.
func (c Client) Policy(defaults ClientPolicy) ClientPolicy {
	policy := defaults
	if mode := ParseApprovalMode(string(c.ApprovalMode)); mode != "" {
		policy.ApprovalMode = mode
	}
	if tp := ParseTimeoutPolicy(string(c.TimeoutPolicy)); tp != "" {
		policy.TimeoutPolicy = tp
	}
	if c.CooldownDays > 0 {
		policy.CooldownDays = c.CooldownDays
	}
	if c.MonthlyCap > 0 {
		policy.MonthlyCap = c.MonthlyCap
	}
	return policy
}
