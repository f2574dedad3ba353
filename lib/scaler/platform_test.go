// Copyright (C) The Slurmscale Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scaler

import (
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&PlatformSuite{})

type PlatformSuite struct{}

func (s *PlatformSuite) TestParseFamily(c *check.C) {
	for _, name := range []string{"debian", "redhat-legacy", "redhat-modern"} {
		f, err := ParseFamily(name)
		c.Check(err, check.IsNil)
		c.Check(f.String(), check.Equals, name)
	}
	_, err := ParseFamily("windows")
	c.Check(err, check.NotNil)
}

func (s *PlatformSuite) TestAccounts(c *check.C) {
	c.Check(FamilyDebian.Accounts(), check.Equals, PlatformAccounts{
		SlurmUID: 64030, SlurmGID: 64030, MungeUID: 64031, MungeGID: 64031,
	})
	c.Check(FamilyRedHatLegacy.Accounts().SlurmUID, check.Equals, 202)
	c.Check(FamilyRedHatModern.Accounts().MungeUID, check.Equals, 982)
}
