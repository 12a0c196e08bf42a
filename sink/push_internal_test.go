package sink

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
)

func TestLineProtocolEscaping(t *testing.T) {
	t.Parallel()

	families := []*dto.MetricFamily{{
		Name: proto.String("awg_sent_bytes"),
		Type: dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{{
			Label: []*dto.LabelPair{
				{Name: proto.String("client_name"), Value: proto.String("Bob, phone=1")},
				{Name: proto.String("peer"), Value: proto.String("k+/=")},
			},
			Gauge: &dto.Gauge{Value: proto.Float64(1.5)},
		}},
	}}
	lines := lineProtocol(families, []labelPair{{name: "empty", value: ""}}, time.Unix(1, 5))
	require.Equal(t, []string{
		`awg_sent_bytes,client_name=Bob\,\ phone\=1,peer=k+/\= value=1.5 1000000005`,
	}, lines)
}
