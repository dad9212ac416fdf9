package selection

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestExportImportRoundTrip(t *testing.T) {
	src := NewManager()
	sel := newTestSelection("a")
	sel.Commands = []ApduRequest{{Bytes: HexBytes{0x00, 0xB2, 0x01, 0x0C}, Info: "read", SuccessfulStatusWords: []uint16{0x9000}}}
	if _, err := src.PrepareSelection(sel); err != nil {
		t.Fatal(err)
	}
	if _, err := src.PrepareSelection(newTestSelection("b")); err != nil {
		t.Fatal(err)
	}
	if err := src.SetMultipleSelectionMode(); err != nil {
		t.Fatal(err)
	}
	if err := src.PrepareReleaseChannel(); err != nil {
		t.Fatal(err)
	}

	text, err := src.ExportCardSelectionScenario(DetectionSingleShot, NotificationMatchedOnly)
	if err != nil {
		t.Fatalf("ExportCardSelectionScenario failed: %v", err)
	}

	dst := NewManager()
	last, err := dst.ImportCardSelectionScenario(text)
	if err != nil {
		t.Fatalf("ImportCardSelectionScenario failed: %v", err)
	}
	if last != 1 {
		t.Errorf("expected last index 1, got %d", last)
	}
	if !dst.IsMultipleSelectionMode() || !dst.IsChannelReleaseRequested() {
		t.Error("flags were not imported")
	}
	if d, n := dst.DefaultPolicy(); d != DetectionSingleShot || n != NotificationMatchedOnly {
		t.Errorf("expected imported policy, got %s/%s", d, n)
	}

	again, err := dst.ExportCardSelectionScenario(DetectionSingleShot, NotificationMatchedOnly)
	if err != nil {
		t.Fatal(err)
	}
	if again != text {
		t.Errorf("re-export differs:\n%s\n%s", text, again)
	}

	// The imported scenario behaves like the original one.
	result, err := dst.ProcessCardSelectionScenario(context.Background(), newMockReader("a", "b"))
	if err != nil {
		t.Fatal(err)
	}
	if index, _ := result.ActiveSelectionIndex(); index != 1 {
		t.Errorf("expected active 1, got %d", index)
	}
}

func TestExportDeterministic(t *testing.T) {
	a := prepare(t, "x", "y")
	b := prepare(t, "x", "y")

	ta, err := a.ExportCardSelectionScenario(DetectionRepeating, NotificationAlways)
	if err != nil {
		t.Fatal(err)
	}
	tb, err := b.ExportCardSelectionScenario(DetectionRepeating, NotificationAlways)
	if err != nil {
		t.Fatal(err)
	}
	if ta != tb {
		t.Errorf("equal scenarios exported differently:\n%s\n%s", ta, tb)
	}
	if !strings.HasPrefix(ta, `{"version":1,`) {
		t.Errorf("unexpected export: %s", ta)
	}
}

func TestExportInvalidMode(t *testing.T) {
	m := prepare(t, "a")

	if _, err := m.ExportCardSelectionScenario(DetectionMode(7), NotificationAlways); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := m.ExportCardSelectionScenario(DetectionRepeating, NotificationMode(7)); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
	if m.IsFrozen() {
		t.Error("a rejected export must not freeze the scenario")
	}
}

func TestImportAppends(t *testing.T) {
	src := prepare(t, "b", "c")
	text, err := src.ExportCardSelectionScenario(DetectionRepeating, NotificationAlways)
	if err != nil {
		t.Fatal(err)
	}

	dst := prepare(t, "a")
	last, err := dst.ImportCardSelectionScenario(text)
	if err != nil {
		t.Fatal(err)
	}
	if last != 2 || dst.CaseCount() != 3 {
		t.Fatalf("expected cases appended after a, got last=%d count=%d", last, dst.CaseCount())
	}

	reader := newMockReader()
	if _, err := dst.ProcessCardSelectionScenario(context.Background(), reader); err != nil {
		t.Fatal(err)
	}
	if got := reader.attempted(); !equalStrings(got, []string{"a", "b", "c"}) {
		t.Errorf("expected order a b c, got %v", got)
	}
}

func TestImportEmptyScenario(t *testing.T) {
	m := NewManager()
	last, err := m.ImportCardSelectionScenario(`{"version":1,"detectionMode":"REPEATING","notificationMode":"ALWAYS","multipleSelectionMode":false,"releaseChannel":false,"caseCount":0,"cases":[]}`)
	if err != nil {
		t.Fatalf("ImportCardSelectionScenario failed: %v", err)
	}
	if last != -1 {
		t.Errorf("expected -1 for an empty scenario, got %d", last)
	}
}

func TestImportMalformed(t *testing.T) {
	const head = `"detectionMode":"REPEATING","notificationMode":"ALWAYS","multipleSelectionMode":false,"releaseChannel":false`
	const oneCase = `"caseCount":1,"cases":[{"kind":"test","selection":{"name":"a"}}]`

	tests := []struct {
		name string
		text string
	}{
		{"empty", ""},
		{"blank", "   \n"},
		{"not json", "selection please"},
		{"array", `[1,2]`},
		{"missing version", `{` + head + `,` + oneCase + `}`},
		{"unsupported version", `{"version":2,` + head + `,` + oneCase + `}`},
		{"missing detection mode", `{"version":1,"notificationMode":"ALWAYS","multipleSelectionMode":false,"releaseChannel":false,` + oneCase + `}`},
		{"unknown detection mode", `{"version":1,"detectionMode":"SOMETIMES","notificationMode":"ALWAYS","multipleSelectionMode":false,"releaseChannel":false,` + oneCase + `}`},
		{"missing release flag", `{"version":1,"detectionMode":"REPEATING","notificationMode":"ALWAYS","multipleSelectionMode":false,` + oneCase + `}`},
		{"missing case count", `{"version":1,` + head + `,"cases":[{"kind":"test","selection":{"name":"a"}}]}`},
		{"missing cases", `{"version":1,` + head + `,"caseCount":0}`},
		{"truncated cases", `{"version":1,` + head + `,"caseCount":2,"cases":[{"kind":"test","selection":{"name":"a"}}]}`},
		{"unknown kind", `{"version":1,` + head + `,"caseCount":1,"cases":[{"kind":"magstripe","selection":{}}]}`},
		{"missing kind", `{"version":1,` + head + `,"caseCount":1,"cases":[{"selection":{"name":"a"}}]}`},
		{"null selection", `{"version":1,` + head + `,"caseCount":1,"cases":[{"kind":"test","selection":null}]}`},
		{"bad selection", `{"version":1,` + head + `,"caseCount":1,"cases":[{"kind":"test","selection":{"name":42}}]}`},
		{"unknown field", `{"version":1,` + head + `,` + oneCase + `,"extra":true}`},
		{"trailing data", `{"version":1,` + head + `,` + oneCase + `} {}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := prepare(t, "z")
			last, err := m.ImportCardSelectionScenario(tt.text)
			if !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("expected ErrInvalidArgument, got %v", err)
			}
			if last != -1 {
				t.Errorf("expected -1, got %d", last)
			}
			if m.CaseCount() != 1 || m.IsFrozen() {
				t.Errorf("rejected import changed the scenario: %d cases", m.CaseCount())
			}
			if d, n := m.DefaultPolicy(); d != DetectionRepeating || n != NotificationAlways {
				t.Errorf("rejected import changed the policy: %s/%s", d, n)
			}
		})
	}
}

func TestImportIntoFrozenScenario(t *testing.T) {
	src := prepare(t, "a")
	text, err := src.ExportCardSelectionScenario(DetectionRepeating, NotificationAlways)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := src.ImportCardSelectionScenario(text); !errors.Is(err, ErrScenarioFrozen) {
		t.Errorf("expected ErrScenarioFrozen, got %v", err)
	}
}

func TestParseModes(t *testing.T) {
	if d, err := ParseDetectionMode("singleshot"); err != nil || d != DetectionSingleShot {
		t.Errorf("ParseDetectionMode(singleshot) = %v, %v", d, err)
	}
	if n, err := ParseNotificationMode("Matched_Only"); err != nil || n != NotificationMatchedOnly {
		t.Errorf("ParseNotificationMode(Matched_Only) = %v, %v", n, err)
	}
	if _, err := ParseDetectionMode("ONCE"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := ParseNotificationMode(""); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}
