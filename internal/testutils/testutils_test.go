package testutils

import (
	"fmt"
	"strings"
	"testing"

	"github.com/srg/gattkit/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// recorder captures Errorf calls instead of failing the test
type recorder struct {
	messages []string
}

func (r *recorder) Errorf(format string, args ...interface{}) {
	r.messages = append(r.messages, fmt.Sprintf(format, args...))
}

func TestProfileBuilder(t *testing.T) {
	t.Run("builds nested nodes on the last parent", func(t *testing.T) {
		p := NewProfileBuilder().
			WithDevice("AA:BB:CC:DD:EE:01", "HRM").
			WithRSSI(-40).
			WithAdvertisedServices("180D").
			WithService("180D").
			WithCharacteristic("2A37", "read,notify", []byte{0x00, 0x50}).
			WithDescriptor("2902", []byte{0x00, 0x00}).
			WithCharacteristicFailure("write", "not permitted").
			WithDevice("AA:BB:CC:DD:EE:02", "Scale").
			WithDeviceFailure("connect", "timeout").
			Build()

		require.Len(t, p.Devices, 2)
		hrm := p.Devices[0]
		assert.Equal(t, -40, hrm.RSSI)
		assert.Equal(t, []string{"180D"}, hrm.Advertise)
		require.Len(t, hrm.Services, 1)
		chr := hrm.Services[0].Characteristics[0]
		assert.Equal(t, "0050", chr.Value)
		assert.Equal(t, "0000", chr.Descriptors[0].Value)
		assert.Equal(t, "not permitted", chr.Fail["write"])
		assert.Equal(t, "timeout", p.Devices[1].Fail["connect"])
	})

	t.Run("panics without a parent", func(t *testing.T) {
		assert.Panics(t, func() { NewProfileBuilder().WithService("180D") })
		assert.Panics(t, func() { NewProfileBuilder().WithDevice("AA:BB:CC:DD:EE:01", "").WithCharacteristic("2A37", "read", nil) })
	})

	t.Run("panics on invalid profile", func(t *testing.T) {
		assert.Panics(t, func() {
			NewProfileBuilder().WithDevice("AA:BB:CC:DD:EE:01", "").WithService("not-a-uuid").Build()
		})
	})

	t.Run("from json", func(t *testing.T) {
		p := NewProfileBuilder().FromJSON(`{"devices": [{"address": %q, "services": [{"uuid": "180F"}]}]}`, "AA:BB:CC:DD:EE:03").Build()
		require.Len(t, p.Devices, 1)
		assert.Equal(t, "180F", p.Devices[0].Services[0].UUID)
	})
}

func TestJSONAsserter(t *testing.T) {
	cases := []struct {
		name     string
		opts     []Option
		actual   string
		expected string
		match    bool
	}{
		{"identical", nil, `{"a": 1}`, `{"a": 1}`, true},
		{"different value", nil, `{"a": 1}`, `{"a": 2}`, false},
		{"extra keys ignored by default", nil, `{"a": 1, "b": 2}`, `{"a": 1}`, true},
		{"extra keys reported when asked", []Option{WithIgnoreExtraKeys(false)}, `{"a": 1, "b": 2}`, `{"a": 1}`, false},
		{"presence placeholder", nil, `{"ts": 1712345678}`, `{"ts": "<<PRESENCE>>"}`, true},
		{"placeholder disabled", []Option{WithAllowPresencePlaceholder(false)}, `{"ts": 1}`, `{"ts": "<<PRESENCE>>"}`, false},
		{"null equals empty array", nil, `{"items": null}`, `{"items": []}`, true},
		{"null vs empty array when strict", []Option{WithNilToEmptyArray(false)}, `{"items": null}`, `{"items": []}`, false},
		{"ignored fields", []Option{WithIgnoredFields("seq")}, `[{"v": 1, "seq": 9}]`, `[{"v": 1, "seq": 1}]`, true},
		{"root arrays", nil, `[1, 2]`, `[1, 3]`, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := &recorder{}
			NewJSONAsserter(r).WithOptions(tc.opts...).Assert(tc.actual, tc.expected)
			if tc.match {
				assert.Empty(t, r.messages)
			} else {
				assert.Len(t, r.messages, 1)
			}
		})
	}

	t.Run("defaults", func(t *testing.T) {
		opts := NewJSONAsserter(t).Options()
		assert.True(t, opts.IgnoreExtraKeys)
		assert.True(t, opts.NilToEmptyArray)
		assert.True(t, opts.AllowPresencePlaceholder)
	})

	t.Run("invalid json is reported", func(t *testing.T) {
		assert.Contains(t, NewJSONAsserter(t).Diff(`{`, `{}`), "invalid actual JSON")
	})
}

func TestTextAsserter(t *testing.T) {
	t.Run("trailing whitespace and outer blank lines ignored by default", func(t *testing.T) {
		r := &recorder{}
		NewTextAsserter(r).Assert("\nline one  \nline two\n\n", "line one\nline two")
		assert.Empty(t, r.messages)
	})

	t.Run("differences produce a unified diff", func(t *testing.T) {
		diff := NewTextAsserter(t).Diff("line one\nline 2", "line one\nline two")
		assert.Contains(t, diff, "--- expected")
		assert.Contains(t, diff, "-line two")
		assert.Contains(t, diff, "+line 2")
	})

	t.Run("colours make whitespace visible", func(t *testing.T) {
		diff := NewTextAsserter(t).WithOptions(WithEnableColors(true)).Diff("a b", "a  b")
		assert.True(t, strings.Contains(diff, "a·b"), "changed lines MUST show spaces")
		assert.Contains(t, diff, "\x1b[")
	})

	t.Run("empty lines ignored when asked", func(t *testing.T) {
		r := &recorder{}
		NewTextAsserter(r).WithOptions(WithIgnoreEmptyLines(true)).Assert("a\n\nb", "a\nb")
		assert.Empty(t, r.messages)
	})
}

// SimSuiteTestSuite exercises the base suite itself
type SimSuiteTestSuite struct {
	SimPeripheralSuite
}

func (s *SimSuiteTestSuite) TestDefaultPeripheral() {
	// GOAL: Verify the default profile connects and discovers the battery service
	//
	// TEST SCENARIO: Connect default address → one service, one characteristic, one descriptor
	sess, tree := s.ConnectAndDiscover(DefaultPeripheralAddress)
	svcs, chars, descs := tree.Counts()
	s.Equal(1, svcs)
	s.Equal(1, chars)
	s.Equal(1, descs)

	chr := tree.Characteristic(device.MustNormalizeUUID("180F"), device.MustNormalizeUUID("2A19"))
	s.Require().NotNil(chr)
	v, err := Await(s.T(), sess.ReadCharacteristic(chr.Handle), s.TestTimeout)
	s.Require().NoError(err)
	s.Equal([]byte{50}, v)
}

func (s *SimSuiteTestSuite) TestBridgeFactory() {
	br, err := s.BridgeFactory()()
	s.Require().NoError(err)
	s.Same(s.Bridge, br)
}

func TestSimSuiteTestSuite(t *testing.T) {
	suite.Run(t, new(SimSuiteTestSuite))
}
