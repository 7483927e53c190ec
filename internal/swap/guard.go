package swap

// GuardReason 为阻断条件的私有键。
type GuardReason string

const (
	GuardInsufficientBalance   GuardReason = "insufficient_balance"
	GuardInsufficientLiquidity GuardReason = "insufficient_liquidity"
	GuardSupplyCap             GuardReason = "supply_cap"
	GuardZeroLTV               GuardReason = "zero_ltv"
	GuardFlashLoanDisabled     GuardReason = "flash_loan_disabled"
)

// GuardPriority 为展示优先级，靠前者优先成为激活项。
var GuardPriority = []GuardReason{
	GuardInsufficientBalance,
	GuardInsufficientLiquidity,
	GuardSupplyCap,
	GuardZeroLTV,
	GuardFlashLoanDisabled,
}

// GuardError 为单个阻断条件。
type GuardError struct {
	Reason        GuardReason `json:"reason"`
	RawError      error       `json:"-"`
	Message       string      `json:"message"`
	ActionBlocked bool        `json:"actionBlocked"`
}

// Error 实现 error。
func (g *GuardError) Error() string {
	return string(g.Reason) + ": " + g.Message
}

// Guards 聚合阻断条件。ActionsBlocked 按原因分别记录，清除一个不影响其它。
type Guards struct {
	Errors         map[GuardReason]*GuardError `json:"errors"`
	ActionsBlocked map[GuardReason]bool        `json:"actionsBlocked"`
}

// Blocked 表示任一原因阻断了操作。
func (g Guards) Blocked() bool {
	for _, blocked := range g.ActionsBlocked {
		if blocked {
			return true
		}
	}
	return false
}

// Active 返回当前唯一用于展示的阻断条件。
func (g Guards) Active() *GuardError {
	for _, reason := range GuardPriority {
		if err, ok := g.Errors[reason]; ok && err != nil {
			return err
		}
	}
	return nil
}

func (g Guards) clone() Guards {
	out := Guards{
		Errors:         make(map[GuardReason]*GuardError, len(g.Errors)),
		ActionsBlocked: make(map[GuardReason]bool, len(g.ActionsBlocked)),
	}
	for k, v := range g.Errors {
		out.Errors[k] = v
	}
	for k, v := range g.ActionsBlocked {
		out.ActionsBlocked[k] = v
	}
	return out
}
