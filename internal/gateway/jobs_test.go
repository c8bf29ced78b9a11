package gateway

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJobIDFormat(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewJobID()
		require.Len(t, id, JobIDLength)
		assert.True(t, ValidJobID(id), "generated id %q must validate", id)
		assert.False(t, seen[id], "generated id %q must be unique", id)
		seen[id] = true

		assert.Equal(t, byte('A'), id[0])
		assert.Equal(t, byte('P'), id[6])
		assert.Equal(t, byte('O'), id[12])
		assert.Equal(t, byte('S'), id[18])
		assert.Equal(t, byte('T'), id[24])
		assert.Equal(t, byte('O'), id[30])
		assert.Equal(t, byte('L'), id[36])
	}
}

func TestValidJobID(t *testing.T) {
	valid := NewJobID()

	cases := map[string]struct {
		id   string
		want bool
	}{
		"generated":       {valid, true},
		"empty":           {"", false},
		"too short":       {valid[:JobIDLength-1], false},
		"too long":        {valid + "0", false},
		"wrong literal":   {"B" + valid[1:], false},
		"uppercase hex":   {valid[:1] + "F" + valid[2:], false},
		"non hex":         {valid[:1] + "z" + valid[2:], false},
		"session token":   {"0123456789abcdef0123456789abcdef01234567", false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, ValidJobID(tc.id))
		})
	}
}

func TestJobRegistryLifecycle(t *testing.T) {
	r := NewJobRegistry()

	job := r.Create()
	assert.True(t, ValidJobID(job.ID))
	assert.Equal(t, 1, r.Len())

	// Still pending: drain reports the job but keeps it.
	reply, ok := r.Drain(job.ID)
	assert.True(t, ok)
	assert.Nil(t, reply)
	assert.Equal(t, 1, r.Len())

	deposited := NewReply(http.StatusOK)
	deposited.Content = []byte(`{"result":true}`)
	assert.True(t, r.Deposit(job.ID, deposited))

	// A drain returning 200 deletes the job.
	reply, ok = r.Drain(job.ID)
	require.True(t, ok)
	require.NotNil(t, reply)
	assert.Equal(t, deposited.Content, reply.Content)
	assert.Equal(t, 0, r.Len())

	// Gone afterwards.
	_, ok = r.Drain(job.ID)
	assert.False(t, ok)
}

func TestJobRegistryDrainKeepsNon200(t *testing.T) {
	r := NewJobRegistry()

	empty := r.Create()
	require.True(t, r.Deposit(empty.ID, NewReply(http.StatusNoContent)))

	failed := r.Create()
	require.True(t, r.Deposit(failed.ID, ErrorReply(http.StatusInternalServerError, "boom")))

	// Non-200 replies are handed out but the jobs stay registered.
	for i := 0; i < 2; i++ {
		reply, ok := r.Drain(empty.ID)
		require.True(t, ok)
		require.NotNil(t, reply)
		assert.Equal(t, http.StatusNoContent, reply.Status)

		reply, ok = r.Drain(failed.ID)
		require.True(t, ok)
		require.NotNil(t, reply)
		assert.Equal(t, http.StatusInternalServerError, reply.Status)
	}
	assert.Equal(t, 2, r.Len())
}

func TestJobRegistryDepositUnknown(t *testing.T) {
	r := NewJobRegistry()
	assert.False(t, r.Deposit(NewJobID(), NewReply(http.StatusOK)))
}

func TestJobRegistryRemove(t *testing.T) {
	r := NewJobRegistry()
	job := r.Create()
	r.Remove(job.ID)

	_, ok := r.Drain(job.ID)
	assert.False(t, ok)
}
