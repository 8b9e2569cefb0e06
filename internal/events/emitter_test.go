package events

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type sliceSink struct {
	envs []Envelope
	err  error
}

func (s *sliceSink) Publish(env Envelope) error {
	if s.err != nil {
		return s.err
	}
	s.envs = append(s.envs, env)
	return nil
}

func TestPublisherSequencesAndFansOut(t *testing.T) {
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	good := &sliceSink{}
	bad := &sliceSink{err: errors.New("disk full")}
	p := NewPublisher(zap.NewNop(), func() time.Time { return at }, bad, good)
	p.Resume(10)

	agent := common.HexToAddress("0x0a")
	p.Emit(DustChanged{AgentRef: AgentRef{Agent: agent}, DustUBA: 5})
	p.Emit(RedemptionRequestIncomplete{RemainingLots: 2})

	require.Len(t, good.envs, 2)
	require.Equal(t, uint64(11), good.envs[0].Seq)
	require.Equal(t, uint64(12), good.envs[1].Seq)
	require.Equal(t, uint64(12), p.Seq())
	require.Equal(t, "DustChanged", good.envs[0].Name)
	require.Equal(t, agent.Hex(), good.envs[0].Agent)
	require.Empty(t, good.envs[1].Agent)
	require.Equal(t, at, good.envs[0].Time)
	require.NotEqual(t, good.envs[0].ID, good.envs[1].ID)

	var payload DustChanged
	require.NoError(t, json.Unmarshal(good.envs[0].Payload, &payload))
	require.Equal(t, uint64(5), payload.DustUBA)
	require.Equal(t, agent, payload.Agent)
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	m := Multi{r, Nop{}}
	m.Emit(SelfClose{ValueUBA: 1})
	m.Emit(DustChanged{DustUBA: 2})
	m.Emit(DustChanged{DustUBA: 3})

	require.Equal(t, []string{"SelfClose", "DustChanged", "DustChanged"}, r.Names())
	require.Equal(t, 2, r.Count("DustChanged"))
	dust := Find[DustChanged](r)
	require.Len(t, dust, 2)
	require.Equal(t, uint64(3), dust[1].DustUBA)

	r.Reset()
	require.Empty(t, r.Events())
}
