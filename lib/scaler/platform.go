// Copyright (C) The Slurmscale Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scaler

import "fmt"

// PlatformFamily identifies the OS family of compute node images.
type PlatformFamily int

const (
	FamilyDebian PlatformFamily = iota
	FamilyRedHatLegacy
	FamilyRedHatModern
)

var familyString = map[PlatformFamily]string{
	FamilyDebian:       "debian",
	FamilyRedHatLegacy: "redhat-legacy",
	FamilyRedHatModern: "redhat-modern",
}

func (f PlatformFamily) String() string {
	if s, ok := familyString[f]; ok {
		return s
	}
	return fmt.Sprintf("unknown(%d)", int(f))
}

// ParseFamily maps a configured family name to its PlatformFamily.
func ParseFamily(s string) (PlatformFamily, error) {
	for f, name := range familyString {
		if name == s {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unsupported platform family %q", s)
}

// PlatformAccounts holds the fixed numeric identities of the slurm
// and munge system accounts on a node image. Images must be built
// with these uid/gid pairs so NFS-shared spool directories keep
// consistent ownership across node generations.
type PlatformAccounts struct {
	SlurmUID int
	SlurmGID int
	MungeUID int
	MungeGID int
}

var familyAccounts = map[PlatformFamily]PlatformAccounts{
	FamilyDebian:       {SlurmUID: 64030, SlurmGID: 64030, MungeUID: 64031, MungeGID: 64031},
	FamilyRedHatLegacy: {SlurmUID: 202, SlurmGID: 202, MungeUID: 201, MungeGID: 201},
	FamilyRedHatModern: {SlurmUID: 981, SlurmGID: 981, MungeUID: 982, MungeGID: 982},
}

// Accounts returns the fixed account pairs for the family.
func (f PlatformFamily) Accounts() PlatformAccounts {
	return familyAccounts[f]
}
