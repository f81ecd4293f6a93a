package breaker

// State 熔断器状态
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String 返回状态名
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText 以状态名序列化
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Outcome 一次下游调用的结果
type Outcome int8

const (
	Success Outcome = iota
	Failure
	Timeout
)

// String 返回结果名
func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Failed 是否计为失败
func (o Outcome) Failed() bool {
	return o != Success
}

// OutcomeForStatus 按 HTTP 状态码归类：5xx 为失败，其余（含 4xx）为成功
func OutcomeForStatus(status int) Outcome {
	if status >= 500 {
		return Failure
	}
	return Success
}

// Counts 窗口统计
type Counts struct {
	Requests  int `json:"requests"`
	Failures  int `json:"failures"`
	Timeouts  int `json:"timeouts"`
	Successes int `json:"successes"`
}

// FailureRatio 失败（含超时）占比
func (c Counts) FailureRatio() float64 {
	if c.Requests == 0 {
		return 0
	}
	return float64(c.Failures+c.Timeouts) / float64(c.Requests)
}

func (c *Counts) add(o Outcome, delta int) {
	c.Requests += delta
	switch o {
	case Success:
		c.Successes += delta
	case Failure:
		c.Failures += delta
	case Timeout:
		c.Timeouts += delta
	}
}
