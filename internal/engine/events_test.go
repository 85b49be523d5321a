// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package engine_test

import (
	"fmt"
	"time"

	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/matterbridge/matterbridged/internal/engine"
	"github.com/matterbridge/matterbridged/internal/testing"
)

type QueueSuite struct{}

var _ = gc.Suite(&QueueSuite{})

func (s *QueueSuite) TestOrdering(c *gc.C) {
	q := engine.NewQueue(8)
	for i := 0; i < 5; i++ {
		q.Push(engine.Event{Node: "Matterbridge", SessionName: fmt.Sprint(i), Kind: engine.KindSession})
	}
	for i := 0; i < 5; i++ {
		e := <-q.Out()
		c.Check(e.SessionName, gc.Equals, fmt.Sprint(i))
	}
	c.Check(q.Dropped(), gc.Equals, uint64(0))
}

func (s *QueueSuite) TestOverflowDropsOldest(c *gc.C) {
	q := engine.NewQueue(3)
	for i := 0; i < 5; i++ {
		q.Push(engine.Event{Node: "Matterbridge", SessionName: fmt.Sprint(i), Kind: engine.KindSession})
	}
	// 0 and 1 went over the edge; 2, 3, 4 remain in order.
	var got []string
	for i := 0; i < 3; i++ {
		e := <-q.Out()
		got = append(got, e.SessionName)
	}
	c.Check(got, jc.DeepEquals, []string{"2", "3", "4"})
	c.Check(q.Dropped(), gc.Equals, uint64(2))

	select {
	case e := <-q.Out():
		c.Fatalf("unexpected event %v", e)
	default:
	}
}

func (s *QueueSuite) TestPushNeverBlocks(c *gc.C) {
	q := engine.NewQueue(1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			q.Push(engine.Event{Node: "n", Kind: engine.KindOnline})
		}
	}()
	select {
	case <-done:
	case <-time.After(testing.LongWait):
		c.Fatalf("push blocked on a full queue")
	}
}

func (s *QueueSuite) TestEventString(c *gc.C) {
	c.Check(engine.Event{Node: "n1", Kind: engine.KindOnline}.String(), gc.Equals, "n1/online")
	c.Check(engine.Event{
		Node: "n1", Kind: engine.KindFabricsChanged, FabricIndex: 2, FabricAction: engine.FabricRemoved,
	}.String(), gc.Equals, "n1/fabricsChanged(2,removed)")
	c.Check(engine.Event{
		Node: "n1", Kind: engine.KindSession, SessionName: "s/1", SessionChange: engine.SessionOpened,
	}.String(), gc.Equals, "n1/session(s/1,opened)")
}

func (s *QueueSuite) TestNodeConfigValidate(c *gc.C) {
	cfg := engine.NodeConfig{
		ID:            "Matterbridge",
		Port:          5540,
		Passcode:      20242025,
		Discriminator: 3840,
	}
	c.Assert(cfg.Validate(), jc.ErrorIsNil)

	bad := cfg
	bad.ID = ""
	c.Check(bad.Validate(), gc.ErrorMatches, "node config with empty id not valid")

	bad = cfg
	bad.Port = 0
	c.Check(bad.Validate(), gc.ErrorMatches, `node "Matterbridge" port 0 not valid`)

	bad = cfg
	bad.Passcode = 0
	c.Check(bad.Validate(), gc.ErrorMatches, `node "Matterbridge" with zero passcode not valid`)

	bad = cfg
	bad.Discriminator = 4096
	c.Check(bad.Validate(), gc.ErrorMatches, `node "Matterbridge" discriminator 4096 not valid`)
}
