package policy

import "testing"

func TestAllowListAccept(t *testing.T) {
	p, err := NewAllowList(
		[]string{"1.2.840.10008.1.1", "1.2.840.10008.5.1.4.1.1.*"},
		[]string{"RAD_*"},
		[]string{"1.2.840.10008.1.2.1", "1.2.840.10008.1.2"},
	)
	if err != nil {
		t.Fatalf("NewAllowList: %v", err)
	}

	tests := []struct {
		name           string
		callingAE      string
		abstractSyntax string
		proposed       []string
		wantTS         string
		wantOK         bool
	}{
		{
			name:           "allowed AE and storage class picks preferred transfer syntax",
			callingAE:      "RAD_SCU_1",
			abstractSyntax: "1.2.840.10008.5.1.4.1.1.2",
			proposed:       []string{"1.2.840.10008.1.2", "1.2.840.10008.1.2.1"},
			wantTS:         "1.2.840.10008.1.2.1",
			wantOK:         true,
		},
		{
			name:           "disallowed AE title",
			callingAE:      "OTHER_AE",
			abstractSyntax: "1.2.840.10008.1.1",
			proposed:       []string{"1.2.840.10008.1.2"},
			wantTS:         "",
			wantOK:         false,
		},
		{
			name:           "allowed AE but unlisted abstract syntax",
			callingAE:      "RAD_SCU_1",
			abstractSyntax: "1.2.840.10008.9.9.9",
			proposed:       []string{"1.2.840.10008.1.2"},
			wantTS:         "",
			wantOK:         false,
		},
		{
			name:           "allowed AE and abstract syntax but no matching transfer syntax",
			callingAE:      "RAD_SCU_1",
			abstractSyntax: "1.2.840.10008.1.1",
			proposed:       []string{"1.2.840.10008.1.2.4.50"},
			wantTS:         "",
			wantOK:         true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, ok := p.Accept(tt.callingAE, tt.abstractSyntax, tt.proposed)
			if ts != tt.wantTS || ok != tt.wantOK {
				t.Errorf("Accept() = (%q, %v), want (%q, %v)", ts, ok, tt.wantTS, tt.wantOK)
			}
		})
	}
}

func TestAllowListEmptyAETitlesAllowsAny(t *testing.T) {
	p, err := NewAllowList([]string{"1.2.840.10008.1.1"}, nil, []string{"1.2.840.10008.1.2"})
	if err != nil {
		t.Fatalf("NewAllowList: %v", err)
	}
	if _, ok := p.Accept("ANYTHING", "1.2.840.10008.1.1", []string{"1.2.840.10008.1.2"}); !ok {
		t.Error("empty AE title pattern list should allow any caller")
	}
}
