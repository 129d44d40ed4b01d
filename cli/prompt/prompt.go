// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package prompt

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/manifoldco/promptui"

	"github.com/ava-labs/rollupcounter/auth"
	"github.com/ava-labs/rollupcounter/chain"
	"github.com/ava-labs/rollupcounter/utils"
)

var (
	ErrInputEmpty    = errors.New("input is empty")
	ErrInvalidChoice = errors.New("invalid choice")
)

func validateYesNo(input string) error {
	if len(input) == 0 {
		return ErrInputEmpty
	}
	lower := strings.ToLower(input)
	if lower == "y" || lower == "n" {
		return nil
	}
	return ErrInvalidChoice
}

func Bool(label string) (bool, error) {
	promptText := promptui.Prompt{
		Label:    label + " (y/n)",
		Validate: validateYesNo,
	}
	raw, err := promptText.Run()
	if err != nil {
		return false, err
	}
	return strings.ToLower(raw) == "y", nil
}

func Continue() (bool, error) {
	cont, err := Bool("continue")
	if err != nil {
		return false, err
	}
	if !cont {
		utils.Outf("{{red}}exiting...{{/}}\n")
	}
	return cont, nil
}

// Describe renders what a signer is asked to approve.
func Describe(txs []*chain.Transaction) string {
	var b strings.Builder
	for i, tx := range txs {
		msg := tx.Message
		fmt.Fprintf(&b, "tx %d/%d payer=%s blockhash=%s\n", i+1, len(txs), msg.FeePayer(), msg.RecentBlockhash)
		for j := range msg.Instructions {
			program, err := msg.Program(j)
			if err != nil {
				fmt.Fprintf(&b, "  ix %d: %v\n", j, err)
				continue
			}
			fmt.Fprintf(&b, "  ix %d: program=%s\n", j, program)
		}
	}
	return b.String()
}

// Approve asks on the terminal before anything is signed. A batch is
// approved once as a whole.
func Approve(_ context.Context, txs []*chain.Transaction) (bool, error) {
	utils.Outf("{{yellow}}%s{{/}}", Describe(txs))
	label := "sign transaction"
	if len(txs) > 1 {
		label = fmt.Sprintf("sign %d transactions", len(txs))
	}
	return Bool(label)
}

var _ auth.ApproveFunc = Approve
