package task

import (
	"testing"
	"time"
)

func TestTriggerValidate(t *testing.T) {
	cases := []struct {
		name    string
		trigger Trigger
		wantErr bool
	}{
		{"interval ok", Trigger{Type: TriggerInterval, IntervalSeconds: 60}, false},
		{"interval missing seconds", Trigger{Type: TriggerInterval}, true},
		{"cron ok", Trigger{Type: TriggerCron, CronExpr: "*/5 * * * *"}, false},
		{"cron descriptor", Trigger{Type: TriggerCron, CronExpr: "@hourly"}, false},
		{"cron bad expr", Trigger{Type: TriggerCron, CronExpr: "not a cron"}, true},
		{"cron missing expr", Trigger{Type: TriggerCron}, true},
		{"block ok", Trigger{Type: TriggerBlock}, false},
		{"block every 3", Trigger{Type: TriggerBlock, EveryBlocks: 3}, false},
		{"block negative stride", Trigger{Type: TriggerBlock, EveryBlocks: -1}, true},
		{"event ok", Trigger{Type: TriggerEvent, EventAddress: "0x00000000000000000000000000000000000000aa"}, false},
		{"event missing address", Trigger{Type: TriggerEvent}, true},
		{"unknown type", Trigger{Type: "webhook"}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.trigger.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestTriggerBlockStride(t *testing.T) {
	cases := []struct {
		every int64
		want  uint64
	}{
		{0, 1},
		{1, 1},
		{5, 5},
	}
	for _, tc := range cases {
		trigger := Trigger{Type: TriggerBlock, EveryBlocks: tc.every}
		if got := trigger.BlockStride(); got != tc.want {
			t.Fatalf("BlockStride with every=%d: expected %d, got %d", tc.every, tc.want, got)
		}
	}
}

func TestTriggerNextAfter(t *testing.T) {
	trigger := Trigger{Type: TriggerCron, CronExpr: "0 * * * *"}
	after := time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)

	next, err := trigger.NextAfter(after)
	if err != nil {
		t.Fatalf("next after: %v", err)
	}
	want := time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}
}

const testExecABI = `[{"type":"function","name":"exec","inputs":[],"outputs":[]}]`
const testSubExecABI = `[{"type":"function","name":"execFor","inputs":[{"name":"target","type":"address"}],"outputs":[]}]`

func TestCheckerSpecValidate(t *testing.T) {
	valid := CheckerSpec{
		IntervalSeconds: 180,
		ExecABI:         testExecABI,
		ExecMethod:      "exec",
		GasCeilingWei:   "80000000000",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bad := valid
	bad.IntervalSeconds = 0
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error for zero interval")
	}

	bad = valid
	bad.ExecMethod = ""
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error for missing method")
	}

	bad = valid
	bad.GasCeilingWei = "eighty gwei"
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error for malformed gas ceiling")
	}

	bad = valid
	bad.SubTargets = []string{"not-an-address"}
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error for malformed sub target")
	}
}

func TestCheckerSpecBuildResolver(t *testing.T) {
	spec := CheckerSpec{
		IntervalSeconds: 180,
		ExecABI:         testExecABI,
		ExecMethod:      "exec",
		GasCeilingWei:   "80000000000",
	}

	resolver, err := spec.BuildResolver()
	if err != nil {
		t.Fatalf("build resolver: %v", err)
	}
	if len(resolver.Rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(resolver.Rules))
	}
	if resolver.GasCeiling == nil || resolver.GasCeiling.String() != "80000000000" {
		t.Fatalf("unexpected gas ceiling: %v", resolver.GasCeiling)
	}
}

func TestCheckerSpecBuildResolverSubTargets(t *testing.T) {
	spec := CheckerSpec{
		IntervalSeconds: 180,
		ExecABI:         testSubExecABI,
		ExecMethod:      "execFor",
		SubTargets: []string{
			"0x00000000000000000000000000000000000000a1",
			"0x00000000000000000000000000000000000000a2",
			"0x00000000000000000000000000000000000000a3",
		},
	}

	resolver, err := spec.BuildResolver()
	if err != nil {
		t.Fatalf("build resolver: %v", err)
	}
	if len(resolver.Rules) != 3 {
		t.Fatalf("expected one rule per sub target, got %d", len(resolver.Rules))
	}
	if resolver.GasCeiling != nil {
		t.Fatalf("expected no gas ceiling, got %v", resolver.GasCeiling)
	}
	if addrs := spec.SubTargetAddresses(); len(addrs) != 3 {
		t.Fatalf("expected 3 parsed addresses, got %d", len(addrs))
	}
}
