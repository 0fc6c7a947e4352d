package alerting

import (
	"context"
	"errors"
	"testing"
	"time"

	xerrors "ChainKeeper/internal/errors"
)

type recordingSlackSender struct {
	calls   int
	channel string
	content string
	err     error
}

func (s *recordingSlackSender) Send(_ context.Context, channel, content string) error {
	s.calls++
	s.channel = channel
	s.content = content
	return s.err
}

func testEvent() Event {
	return Event{
		Code:       xerrors.Code("CHECKER_BUDGET_EXCEEDED"),
		Message:    "求值超出预算",
		Severity:   xerrors.SeverityWarning,
		TaskID:     "task-1",
		ChainName:  "local",
		OccurredAt: time.Now(),
	}
}

func TestSlackNotifierSendsWithoutChannel(t *testing.T) {
	sender := &recordingSlackSender{}
	notifier := &SlackNotifier{Sender: sender}

	if err := notifier.Notify(context.Background(), testEvent()); err != nil {
		t.Fatalf("通知失败: %v", err)
	}
	if sender.calls != 1 {
		t.Fatalf("期望发送 1 次, 实际 %d 次", sender.calls)
	}
	if sender.channel != "" {
		t.Fatalf("未配置频道时应交给 webhook 决定, 实际传入 %q", sender.channel)
	}
	if sender.content == "" {
		t.Fatal("消息内容不应为空")
	}
}

func TestSlackNotifierUsesConfiguredChannel(t *testing.T) {
	sender := &recordingSlackSender{}
	notifier := &SlackNotifier{Sender: sender, ChannelID: "#keeper-alerts"}

	if err := notifier.Notify(context.Background(), testEvent()); err != nil {
		t.Fatalf("通知失败: %v", err)
	}
	if sender.channel != "#keeper-alerts" {
		t.Fatalf("期望使用配置的频道, 实际 %q", sender.channel)
	}
}

func TestFanoutCollectsNotifierErrors(t *testing.T) {
	failing := &recordingSlackSender{err: errors.New("webhook 不可达")}
	dispatcher := NewFanout(&SlackNotifier{Sender: failing})

	if err := dispatcher.Notify(context.Background(), testEvent()); err == nil {
		t.Fatal("期望汇总通知器错误")
	}
	if failing.calls != 1 {
		t.Fatalf("期望尝试发送 1 次, 实际 %d 次", failing.calls)
	}
}
