package cardreg

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memFS map[string][]byte

func (m memFS) ReadFile(path string) ([]byte, error) {
	b, ok := m[path]
	if !ok {
		return nil, errors.New("no such file")
	}
	return b, nil
}

func speakerTable() Table {
	return Table{
		Role:      RoleSpeaker,
		Direction: DirPlayback,
		Rules:     []MatchRule{{CardID: "rockchiprk3328"}},
	}
}

func micTable() Table {
	return Table{
		Role:      RoleMic,
		Direction: DirCapture,
		Rules: []MatchRule{
			{CardID: "rockchiprk3328", DaiID: "rt5651-aif1"},
		},
	}
}

func modemInTable() Table {
	return Table{
		Role:      RoleModemIn,
		Direction: DirCapture,
		Rules:     []MatchRule{{CardID: "simcom"}},
	}
}

func TestScan_ExactMatchNoDai(t *testing.T) {
	fs := memFS{
		"card0/id": []byte("rockchiprk3328\n"),
	}
	reg := scan(fs, []Table{speakerTable()})
	entry := reg.Entries[RoleSpeaker]
	assert.Equal(t, 0, entry.CardIndex)
	assert.Equal(t, 0, entry.DeviceIndex)
}

func TestScan_DaiQualifiedMatch(t *testing.T) {
	fs := memFS{
		"card0/id":             []byte("rockchiprk3328\n"),
		"card0/pcm0c/info":     []byte("some header\nid: ff880000.i2s-rt5651-aif1 rt5651-aif1-0\n"),
	}
	reg := scan(fs, []Table{micTable()})
	entry := reg.Entries[RoleMic]
	require.NotEqual(t, Unknown, entry.CardIndex)
	assert.Equal(t, 0, entry.CardIndex)
	assert.Equal(t, 0, entry.DeviceIndex)
}

func TestScan_DaiQualifiedMatchSkipsNonMatchingDevice(t *testing.T) {
	fs := memFS{
		"card0/id":         []byte("rockchiprk3328\n"),
		"card0/pcm0c/info": []byte("id: ff880000.i2s-other-aif1 other-aif1-0\n"),
		"card0/pcm1c/info": []byte("id: ff880000.i2s-rt5651-aif1 rt5651-aif1-0\n"),
	}
	reg := scan(fs, []Table{micTable()})
	entry := reg.Entries[RoleMic]
	assert.Equal(t, 1, entry.DeviceIndex)
}

func TestScan_MissingCardIDStopsEnumeration(t *testing.T) {
	fs := memFS{
		"card0/id": []byte("rockchiprk3328\n"),
		// card1/id deliberately absent; card2 would match but is unreachable.
		"card2/id": []byte("simcom-modem\n"),
	}
	reg := scan(fs, []Table{modemInTable()})
	entry := reg.Entries[RoleModemIn]
	assert.Equal(t, Unknown, entry.CardIndex)
}

func TestScan_SubstringMatchResolvesRole(t *testing.T) {
	fs := memFS{
		"card0/id": []byte("foo-simcom-bar\n"),
	}
	reg := scan(fs, []Table{modemInTable()})
	entry := reg.Entries[RoleModemIn]
	assert.Equal(t, 0, entry.CardIndex)
}

func TestScan_FirstMatchWinsAcrossCards(t *testing.T) {
	fs := memFS{
		"card0/id": []byte("simcom-modem\n"),
		"card1/id": []byte("simcom-modem\n"),
	}
	reg := scan(fs, []Table{modemInTable()})
	entry := reg.Entries[RoleModemIn]
	assert.Equal(t, 0, entry.CardIndex, "the first card to match a role must win, later cards must not override it")
}

func TestScan_UnmatchedRoleStaysSentinel(t *testing.T) {
	fs := memFS{
		"card0/id": []byte("unrelated-card\n"),
	}
	reg := scan(fs, []Table{speakerTable(), micTable()})
	assert.Equal(t, Unknown, reg.Entries[RoleSpeaker].CardIndex)
	assert.Equal(t, Unknown, reg.Entries[RoleMic].CardIndex)
}

func TestScan_SimcomDetectionCaseInsensitive(t *testing.T) {
	fs := memFS{
		"card0/id": []byte("SIMCOM-Modem\n"),
	}
	reg := scan(fs, []Table{modemInTable()})
	assert.True(t, reg.IsSimcom)
}

func TestScan_NonSimcomModemCardNotFlagged(t *testing.T) {
	fs := memFS{
		"card0/id": []byte("genericmodem\n"),
	}
	reg := scan(fs, []Table{modemInTable()})
	assert.False(t, reg.IsSimcom)
}

func TestDaiIDMatches(t *testing.T) {
	info := "access: RW\nid: ff880000.i2s-rt5651-aif1 rt5651-aif1-0\ntype: HIFI\n"
	assert.True(t, daiIDMatches(info, "rt5651-aif1"))
	assert.False(t, daiIDMatches(info, "nonexistent"))
	assert.False(t, daiIDMatches("no id line here", "rt5651-aif1"))
}

func TestNameMatchScore(t *testing.T) {
	assert.Equal(t, 100, nameMatchScore("rockchiprk3328", "rockchiprk3328"))
	assert.Equal(t, 50, nameMatchScore("foo-rockchiprk3328-bar", "rockchiprk3328"))
	assert.Equal(t, 0, nameMatchScore("unrelated", "rockchiprk3328"))
}
