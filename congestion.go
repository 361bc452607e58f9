// Package mptcp provides bandwidth-and-RTT-based congestion control for
// multipath QUIC transports: each subflow runs its own wBBR sender, and a
// Group redistributes pacing rate across subflows sharing a bottleneck in
// proportion to their measured capacity.
package mptcp

import (
	"context"
	"time"

	"github.com/yanjijinxiao/mptcp/congestion_wbbr"

	"github.com/sagernet/quic-go"
	"github.com/sagernet/quic-go/congestion"
	"github.com/sagernet/sing/common/logger"
	"github.com/sagernet/sing/common/ntp"
)

// SetCongestionControl attaches a wBBR sender to the connection. A nil group
// runs the connection single-path; otherwise the connection joins the group
// as a new subflow and its pacing rate is weighted against its siblings. The
// returned subflow handle controls eligibility and group membership; it is
// nil when group is nil.
func SetCongestionControl(ctx context.Context, connection *quic.Conn, group *Group, config congestion_wbbr.Config, logger logger.Logger) (*Subflow, error) {
	timeFunc := ntp.TimeFuncFromContext(ctx)
	if timeFunc == nil {
		timeFunc = time.Now
	}
	var (
		subflow  *Subflow
		siblings congestion_wbbr.SiblingSet
	)
	if group != nil {
		subflow = group.Add()
		siblings = group
	}
	sender, err := congestion_wbbr.NewQUICSender(
		congestion_wbbr.DefaultClock{TimeFunc: timeFunc},
		config,
		congestion.ByteCount(connection.Config().InitialPacketSize),
		siblings,
		nil,
		logger,
	)
	if err != nil {
		if subflow != nil {
			subflow.Close()
		}
		return nil, err
	}
	if subflow != nil {
		subflow.Bind(sender.Sender())
	}
	connection.SetCongestionControl(sender)
	return subflow, nil
}
