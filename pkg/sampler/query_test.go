package sampler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/searchsampler/pkg/storage"
)

func TestSearchQuery_Validate(t *testing.T) {
	q := scenarioQuery()
	require.NoError(t, q.Validate())

	q.Start = q.End
	assert.NoError(t, q.Validate(), "single-day ranges are valid")

	q.Name = ""
	assert.NoError(t, q.Validate(), "name is only needed to save")
}

func TestSearchQuery_ValidateReportsEndBeforeStart(t *testing.T) {
	q := scenarioQuery()
	q.Start, q.End = q.End, q.Start

	err := q.Validate()
	var cerr *ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "end", cerr.Field)
	assert.Contains(t, cerr.Reason, "2014-01-01 is before start 2014-02-15")
}

func TestSearchQuery_Dataset(t *testing.T) {
	assert.Equal(t, storage.Dataset{Region: "US-DC", Name: "flu_symptoms"}, scenarioQuery().Dataset())
	assert.Equal(t, "US-DC-flu_symptoms", scenarioQuery().Dataset().String())
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("best_effort")
	require.NoError(t, err)
	assert.Equal(t, BestEffort, p)

	_, err = ParsePolicy("ignore")
	var cerr *ConfigurationError
	assert.ErrorAs(t, err, &cerr)
}

func TestReport_Summary(t *testing.T) {
	assert.Equal(t, "9 windows fetched, 21 rows", (&Report{Windows: 9, Rows: 21}).Summary())
	assert.Equal(t, "2 of 9 windows failed, 15 rows", (&Report{Windows: 9, Failed: 2, Rows: 15}).Summary())
}
