package events

// Topic enumerates the bus topics inside a trader process.
type Topic string

const (
	TopicAccountUpdate  Topic = "account.update"
	TopicAccountStatus  Topic = "account.status"
	TopicPositionUpdate Topic = "position.update"
	TopicOrderUpdate    Topic = "order.update"
	TopicTradeCreated   Topic = "trade.created"
	TopicTickUpdate     Topic = "tick.update"
	TopicKlineUpdate    Topic = "kline.update"
	TopicOrderCmdUpdate Topic = "order_cmd.update"
	TopicSystemError    Topic = "system.error"
)

// SystemError is the payload published on TopicSystemError: a non-fatal
// failure in a background component, surfaced for logging and diagnostics.
type SystemError struct {
	Component string `json:"component"`
	Message   string `json:"message"`
}
