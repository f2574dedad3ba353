// Copyright (C) The Slurmscale Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package slurm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nimbushpc/slurmscale/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&ReaderSuite{})
var _ = check.Suite(&HostlistSuite{})

type stubCLI struct {
	sinfoOut []byte
	sinfoErr error
}

func (s *stubCLI) Sinfo(ctx context.Context, args ...string) ([]byte, error) {
	return s.sinfoOut, s.sinfoErr
}

func (s *stubCLI) Scontrol(ctx context.Context, args ...string) ([]byte, error) {
	return nil, errors.New("not implemented")
}

type ReaderSuite struct{}

func (s *ReaderSuite) TestParseSinfo(c *check.C) {
	out := []byte(`hpc-001 idle#
hpc-002 allocated
hpc-003 idle%
hpc-004 idle~
hpc-005 down*
hpc-006 mixed
login-1 idle
`)
	state := parseSinfo(out)
	c.Check(state.ResumeRequests, check.DeepEquals, map[string]bool{"hpc-001": true})
	c.Check(state.SuspendRequests, check.DeepEquals, map[string]bool{"hpc-003": true})
	c.Check(state.AliveNodes, check.DeepEquals, map[string]bool{
		"hpc-002": true,
		"hpc-006": true,
		"login-1": true,
	})
}

func (s *ReaderSuite) TestReadState(c *check.C) {
	cli := &stubCLI{sinfoOut: []byte("hpc-001 idle#\nhpc-002 allocated\n")}
	rdr := NewReader(ctxlog.TestLogger(c), cli, time.Hour)
	defer rdr.Close()

	state, err := rdr.ReadState(context.Background())
	c.Assert(err, check.IsNil)
	c.Check(state.ResumeRequests["hpc-001"], check.Equals, true)
	c.Check(state.AliveNodes["hpc-002"], check.Equals, true)
}

func (s *ReaderSuite) TestReadStateError(c *check.C) {
	cli := &stubCLI{sinfoErr: errors.New("slurmctld unreachable")}
	rdr := NewReader(ctxlog.TestLogger(c), cli, time.Hour)
	defer rdr.Close()

	_, err := rdr.ReadState(context.Background())
	c.Check(err, check.NotNil)
}

type HostlistSuite struct{}

func (s *HostlistSuite) TestExpand(c *check.C) {
	names, err := ExpandHostlist("hpc-[001-003,005],login-1")
	c.Assert(err, check.IsNil)
	c.Check(names, check.DeepEquals, []string{"hpc-001", "hpc-002", "hpc-003", "hpc-005", "login-1"})

	names, err = ExpandHostlist("htc-7")
	c.Assert(err, check.IsNil)
	c.Check(names, check.DeepEquals, []string{"htc-7"})

	names, err = ExpandHostlist("hpc-pg0-[1-3]")
	c.Assert(err, check.IsNil)
	c.Check(names, check.DeepEquals, []string{"hpc-pg0-1", "hpc-pg0-2", "hpc-pg0-3"})

	_, err = ExpandHostlist("hpc-[1-")
	c.Check(err, check.NotNil)
	_, err = ExpandHostlist("hpc-[x-y]")
	c.Check(err, check.NotNil)
}

func (s *HostlistSuite) TestCollapse(c *check.C) {
	c.Check(CollapseHostlist([]string{"hpc-001", "hpc-002", "hpc-005"}), check.Equals, "hpc-[001-002,005]")
	c.Check(CollapseHostlist([]string{"htc-7"}), check.Equals, "htc-7")
	c.Check(CollapseHostlist([]string{"login"}), check.Equals, "login")
	c.Check(CollapseHostlist([]string{"hpc-2", "hpc-1", "htc-1"}), check.Equals, "hpc-[1-2],htc-1")
}

func (s *HostlistSuite) TestRoundTrip(c *check.C) {
	names, err := ExpandHostlist("hpc-[001-004,007]")
	c.Assert(err, check.IsNil)
	c.Check(CollapseHostlist(names), check.Equals, "hpc-[001-004,007]")
}
