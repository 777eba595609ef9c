package main

import (
	"bytes"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/backpack/internal/testutils"
	"github.com/stretchr/testify/suite"
)

// TestDeviceAddress is used wherever a command needs an address but never
// reaches the radio.
const TestDeviceAddress = "00:00:00:00:00:01"

// CommandTestSuite runs commands through rootCmd with output captured. Flag
// variables are reset before every test.
type CommandTestSuite struct {
	suite.Suite
	Text *testutils.TextAsserter
}

func (suite *CommandTestSuite) SetupTest() {
	color.NoColor = true
	suite.Text = testutils.NewTextAsserter(suite.T())

	_ = rootCmd.PersistentFlags().Set("log-level", "")
	_ = rootCmd.PersistentFlags().Set("config", "")
	_ = rootCmd.Flags().Set("version", "false")

	monitorInterval = 0
	monitorSensor = true
	monitorProcessed = false
	monitorDuration = 0
	monitorSummary = false
	logClearWait = false
	logRecordClear = false
	logRecordDuration = 0
	compensationTimeout = 5 * time.Second
	scanDuration = 10 * time.Second
	scanFormat = "table"
	scanAll = false
	scanAllowList = nil
	scanBlockList = nil
}

// ExecuteCommand runs a cobra command with args, returns output and error.
func (suite *CommandTestSuite) ExecuteCommand(cmd *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}
