package guestchannel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine_RoundTrip(t *testing.T) {
	m := Message{Version: 1, Revision: 0, MsgType: "init", Sequence: 1}
	line, err := EncodeLine(m)
	require.NoError(t, err)

	got, err := ParseLine(line)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestParseLine_MissingRequiredFieldProducesMissingFieldNotCrash(t *testing.T) {
	_, err := ParseLine([]byte(`{"version":1,"revision":0,"msg_type":"init"}`))
	require.Error(t, err)

	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "sequence", perr.MissingField)
}

func TestParseLine_MalformedJSONIsParseErrorNotPanic(t *testing.T) {
	_, err := ParseLine([]byte(`not json`))
	require.Error(t, err)

	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Empty(t, perr.MissingField)
}

func TestNackFor_CarriesMissingFieldAndSequence(t *testing.T) {
	perr := &ParseError{MissingField: "sequence"}
	m := nackFor(7, perr)
	assert.Equal(t, "nack", m.MsgType)
	assert.Equal(t, uint32(7), m.Sequence)
	assert.Equal(t, "sequence", m.MissingField)
}
