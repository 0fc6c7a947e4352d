package task

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	xerrors "ChainKeeper/internal/errors"
)

// TriggerType 表示任务的触发方式。
type TriggerType string

const (
	// TriggerInterval 按固定秒数周期触发。
	TriggerInterval TriggerType = "interval"
	// TriggerCron 按 cron 表达式触发。
	TriggerCron TriggerType = "cron"
	// TriggerBlock 每隔 N 个新区块触发一次，N 缺省为 1。
	TriggerBlock TriggerType = "block"
	// TriggerEvent 监听合约日志触发。
	TriggerEvent TriggerType = "event"
)

// Trigger 描述任务的触发配置。不同类型只使用对应的字段。
type Trigger struct {
	Type            TriggerType `json:"type"`
	IntervalSeconds int64       `json:"interval_seconds,omitempty"`
	CronExpr        string      `json:"cron_expr,omitempty"`
	EveryBlocks     int64       `json:"every_blocks,omitempty"`
	EventAddress    string      `json:"event_address,omitempty"`
	EventTopic      string      `json:"event_topic,omitempty"`
}

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate 检查触发配置是否可用。
func (t Trigger) Validate() error {
	switch t.Type {
	case TriggerInterval:
		if t.IntervalSeconds <= 0 {
			return xerrors.New(CodeTaskValidation, "周期触发需要正的秒数")
		}
	case TriggerCron:
		if strings.TrimSpace(t.CronExpr) == "" {
			return xerrors.New(CodeTaskValidation, "cron 触发需要表达式")
		}
		if _, err := cronParser.Parse(t.CronExpr); err != nil {
			return xerrors.Wrap(CodeTaskValidation, err, "cron 表达式无法解析")
		}
	case TriggerBlock:
		if t.EveryBlocks < 0 {
			return xerrors.New(CodeTaskValidation, "区块触发的间隔区块数不能为负")
		}
	case TriggerEvent:
		if strings.TrimSpace(t.EventAddress) == "" {
			return xerrors.New(CodeTaskValidation, "事件触发需要监听的合约地址")
		}
	default:
		return xerrors.New(CodeTaskValidation, "不支持的触发类型: "+string(t.Type))
	}
	return nil
}

// NextAfter 返回 cron 触发在 after 之后的下一次触发时间。
// 仅对 TriggerCron 有意义。
func (t Trigger) NextAfter(after time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(t.CronExpr)
	if err != nil {
		return time.Time{}, xerrors.Wrap(CodeTaskValidation, err, "cron 表达式无法解析")
	}
	return schedule.Next(after), nil
}

// Interval 返回周期触发的间隔。
func (t Trigger) Interval() time.Duration {
	return time.Duration(t.IntervalSeconds) * time.Second
}

// BlockStride 返回区块触发的间隔区块数，未配置时为 1。
func (t Trigger) BlockStride() uint64 {
	if t.EveryBlocks > 1 {
		return uint64(t.EveryBlocks)
	}
	return 1
}
