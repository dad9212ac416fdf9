package core

import (
	"errors"
	"testing"

	"github.com/SimplyPrint/card-selector/internal/selection"
	"github.com/sebdah/goldie/v2"
)

func TestNewApduSelectionValidation(t *testing.T) {
	tests := []struct {
		name    string
		opts    []ApduOption
		wantErr bool
	}{
		{"any card", nil, false},
		{"aid", []ApduOption{WithAID([]byte{0xA0, 0x00, 0x00, 0x00, 0x03})}, false},
		{"aid too short", []ApduOption{WithAID([]byte{0xA0, 0x00, 0x00, 0x03})}, true},
		{"aid too long", []ApduOption{WithAID(make([]byte, 17))}, true},
		{"pattern", []ApduOption{WithPowerOnDataPattern("^3B8F.*")}, false},
		{"bad pattern", []ApduOption{WithPowerOnDataPattern("3B(")}, true},
		{"short command", []ApduOption{WithCommand([]byte{0x00, 0xB2}, "broken")}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewApduSelection(tt.opts...)
			if tt.wantErr && !errors.Is(err, selection.ErrInvalidArgument) {
				t.Errorf("expected ErrInvalidArgument, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func goldenManager(t *testing.T) *selection.Manager {
	t.Helper()

	calypso, err := NewApduSelection(WithAID(mustHex(t, calypsoAID)))
	if err != nil {
		t.Fatal(err)
	}
	storage, err := NewApduSelection(WithPowerOnDataPattern("^3B8F.*"))
	if err != nil {
		t.Fatal(err)
	}
	emv, err := NewApduSelection(
		WithAID(mustHex(t, "a0000000030000")),
		WithSuccessfulStatusWords(0x9000, 0x6283),
		WithCommand(mustHex(t, readRecord), "read record", 0x9000),
	)
	if err != nil {
		t.Fatal(err)
	}

	m := selection.NewManager()
	for _, cs := range []selection.CardSelection{calypso, storage, emv} {
		if _, err := m.PrepareSelection(cs); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.SetMultipleSelectionMode(); err != nil {
		t.Fatal(err)
	}
	if err := m.PrepareReleaseChannel(); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestExportApduScenario(t *testing.T) {
	text, err := goldenManager(t).ExportCardSelectionScenario(selection.DetectionSingleShot, selection.NotificationMatchedOnly)
	if err != nil {
		t.Fatalf("ExportCardSelectionScenario failed: %v", err)
	}

	g := goldie.New(t)
	g.Assert(t, "scenario_export", []byte(text))
}

func TestImportApduScenario(t *testing.T) {
	text, err := goldenManager(t).ExportCardSelectionScenario(selection.DetectionSingleShot, selection.NotificationMatchedOnly)
	if err != nil {
		t.Fatal(err)
	}

	m := selection.NewManager()
	last, err := m.ImportCardSelectionScenario(text)
	if err != nil {
		t.Fatalf("ImportCardSelectionScenario failed: %v", err)
	}
	if last != 2 {
		t.Errorf("expected last index 2, got %d", last)
	}

	again, err := m.ExportCardSelectionScenario(selection.DetectionSingleShot, selection.NotificationMatchedOnly)
	if err != nil {
		t.Fatal(err)
	}
	if again != text {
		t.Errorf("imported scenario exports differently:\n%s\n%s", text, again)
	}
}

func TestImportApduScenarioInvalidCase(t *testing.T) {
	m := selection.NewManager()
	_, err := m.ImportCardSelectionScenario(`{"version":1,"detectionMode":"REPEATING","notificationMode":"ALWAYS","multipleSelectionMode":false,"releaseChannel":false,"caseCount":1,"cases":[{"kind":"apdu","selection":{"aid":"a000"}}]}`)
	if !errors.Is(err, selection.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for a 2 byte AID, got %v", err)
	}
	if m.CaseCount() != 0 {
		t.Error("invalid case must not be imported")
	}
}

func TestApduSelectionParse(t *testing.T) {
	withAID, err := NewApduSelection(WithAID(mustHex(t, calypsoAID)))
	if err != nil {
		t.Fatal(err)
	}
	withCommand, err := NewApduSelection(WithCommand(mustHex(t, readRecord), "read"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		sel     *ApduSelection
		rsp     selection.CardSelectionResponse
		family  string
		dfName  string
		wantErr bool
	}{
		{
			name:   "FCI",
			sel:    withAID,
			rsp:    selection.CardSelectionResponse{Matched: true, PowerOnData: "3B8880010000000000718100F9", SelectApplicationResponse: mustHex(t, calypsoFCI)},
			family: "ISO 7816",
			dfName: "315449432E494341",
		},
		{
			name:   "plain response data",
			sel:    withAID,
			rsp:    selection.CardSelectionResponse{Matched: true, PowerOnData: "3B8880010000000000718100F9", SelectApplicationResponse: mustHex(t, "01029000")},
			family: "ISO 7816",
		},
		{
			name:    "broken FCI",
			sel:     withAID,
			rsp:     selection.CardSelectionResponse{Matched: true, PowerOnData: "3B00", SelectApplicationResponse: mustHex(t, "6f10849000")},
			wantErr: true,
		},
		{
			name:    "missing status word",
			sel:     withAID,
			rsp:     selection.CardSelectionResponse{Matched: true, PowerOnData: "3B00", SelectApplicationResponse: mustHex(t, "90")},
			wantErr: true,
		},
		{
			name:    "power-on data not hex",
			sel:     withAID,
			rsp:     selection.CardSelectionResponse{Matched: true, PowerOnData: "ATR"},
			wantErr: true,
		},
		{
			name:    "missing command response",
			sel:     withCommand,
			rsp:     selection.CardSelectionResponse{Matched: true, PowerOnData: "3B8F8001804F0CA0000003060300030000000068"},
			wantErr: true,
		},
		{
			name:   "storage card",
			sel:    withCommand,
			rsp:    selection.CardSelectionResponse{Matched: true, PowerOnData: "3B8F8001804F0CA0000003060300030000000068", CommandResponses: []selection.HexBytes{{0x90, 0x00}}},
			family: "Type 2 tag",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc, err := tt.sel.Parse(tt.rsp)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %+v", sc)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}

			card := sc.(*ApduSmartCard)
			if card.PowerOnData() != tt.rsp.PowerOnData {
				t.Errorf("expected power-on data %s, got %s", tt.rsp.PowerOnData, card.PowerOnData())
			}
			if card.ATRInfo.Family != tt.family {
				t.Errorf("expected family %q, got %q", tt.family, card.ATRInfo.Family)
			}
			if tt.dfName == "" && card.FCI != nil {
				t.Errorf("unexpected FCI %+v", card.FCI)
			}
			if tt.dfName != "" && (card.FCI == nil || card.FCI.DFName.String() != tt.dfName) {
				t.Errorf("expected DF name %s, got %+v", tt.dfName, card.FCI)
			}
		})
	}
}
