package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/tenantpulse/errors"
)

type sendEmail struct {
	To      string `json:"to" validate:"required,email"`
	Subject string `json:"subject,omitempty" validate:"max=20"`
}

type report struct {
	Links []link `json:"links,omitempty" validate:"dive"`
}

type link struct {
	Label string `json:"label" validate:"required"`
	URL   string `json:"url" validate:"required,url"`
}

func TestValidateRequiredField(t *testing.T) {
	s := For[sendEmail]()

	require.NoError(t, s.Validate(json.RawMessage(`{"to":"a@b.com"}`)))

	err := s.Validate(json.RawMessage(`{}`))
	require.Error(t, err)
	var v Violations
	require.True(t, errors.As(err, &v))
	require.Len(t, v, 1)
	assert.Equal(t, "to", v[0].Field)
	assert.Equal(t, "required", v[0].Rule)
	assert.Equal(t, "to: is required", err.Error())
}

func TestValidateEmptyInputIsObject(t *testing.T) {
	err := For[sendEmail]().Validate(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "to")
}

func TestValidateTypeMismatch(t *testing.T) {
	err := For[sendEmail]().Validate(json.RawMessage(`{"to":5}`))
	var v Violations
	require.True(t, errors.As(err, &v))
	assert.Equal(t, "to", v[0].Field)
	assert.Equal(t, "type", v[0].Rule)
}

func TestValidateNestedPath(t *testing.T) {
	err := For[report]().Validate(json.RawMessage(`{"links":[{"label":"x","url":"not a url"}]}`))
	var v Violations
	require.True(t, errors.As(err, &v))
	require.Len(t, v, 1)
	assert.Equal(t, "links[0].url", v[0].Field)
	assert.Equal(t, "must be a valid URL", v[0].Message)
}

func TestDecode(t *testing.T) {
	got, err := Decode[sendEmail](json.RawMessage(`{"to":"a@b.com","subject":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, sendEmail{To: "a@b.com", Subject: "hi"}, got)

	m, err := Decode[map[string]interface{}](json.RawMessage(`{"k":1}`))
	require.NoError(t, err)
	assert.Equal(t, float64(1), m["k"])
}

func TestDescribe(t *testing.T) {
	doc := For[sendEmail]().Describe()
	require.NotNil(t, doc)
	assert.Equal(t, "object", doc.Type)
	_, ok := doc.Properties.Get("to")
	assert.True(t, ok)
	assert.Contains(t, doc.Required, "to")
	assert.NotContains(t, doc.Required, "subject")
}

func TestAny(t *testing.T) {
	s := Any()
	assert.NoError(t, s.Validate(json.RawMessage(`{"anything":[1,2]}`)))
	assert.NoError(t, s.Validate(nil))
	assert.Error(t, s.Validate(json.RawMessage(`[1]`)))
	assert.Equal(t, "object", s.Describe().Type)
}
