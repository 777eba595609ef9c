package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/suite"
)

// CommandsTestSuite covers everything a command checks before it connects.
type CommandsTestSuite struct {
	CommandTestSuite
}

func (suite *CommandsTestSuite) writeConfig(content string) string {
	path := filepath.Join(suite.T().TempDir(), "backpack.yaml")
	suite.Require().NoError(os.WriteFile(path, []byte(content), 0o600))
	return path
}

func (suite *CommandsTestSuite) TestInfoWithoutAddress() {
	// GOAL: Verify a command without an address and without a config address fails early
	//
	// TEST SCENARIO: run info with no arguments -> ErrNoAddress

	_, err := suite.ExecuteCommand(rootCmd, "info")

	suite.Require().Error(err)
	suite.ErrorIs(err, ErrNoAddress, "missing address MUST be reported as ErrNoAddress")
}

func (suite *CommandsTestSuite) TestInvalidLogLevel() {
	// GOAL: Verify --log-level is validated before connecting
	//
	// TEST SCENARIO: info with --log-level chatty -> invalid log level error

	_, err := suite.ExecuteCommand(rootCmd, "info", TestDeviceAddress, "--log-level", "chatty")

	suite.Require().Error(err)
	suite.Contains(err.Error(), "invalid log level: chatty")
}

func (suite *CommandsTestSuite) TestMissingConfigFile() {
	// GOAL: Verify a missing --config file is an error, not silently defaulted
	//
	// TEST SCENARIO: info with a nonexistent config -> os.ErrNotExist in the chain

	missing := filepath.Join(suite.T().TempDir(), "missing.yaml")

	_, err := suite.ExecuteCommand(rootCmd, "info", TestDeviceAddress, "--config", missing)

	suite.Require().Error(err)
	suite.ErrorIs(err, os.ErrNotExist)
}

func (suite *CommandsTestSuite) TestInvalidConfigFile() {
	// GOAL: Verify config validation errors surface through the command
	//
	// TEST SCENARIO: config with an unknown key -> error naming the key

	path := suite.writeConfig("pol_interval: 1s\n")

	_, err := suite.ExecuteCommand(rootCmd, "info", TestDeviceAddress, "--config", path)

	suite.Require().Error(err)
	suite.Contains(err.Error(), "pol_interval")
}

func (suite *CommandsTestSuite) TestMonitorNothingSelected() {
	// GOAL: Verify monitor refuses to run with every stream disabled
	//
	// TEST SCENARIO: monitor --sensor=false without --processed -> error

	_, err := suite.ExecuteCommand(rootCmd, "monitor", TestDeviceAddress, "--sensor=false")

	suite.Require().Error(err)
	suite.Contains(err.Error(), "nothing to monitor")
}

func (suite *CommandsTestSuite) TestMonitorNegativeInterval() {
	// GOAL: Verify a negative polling interval is rejected
	//
	// TEST SCENARIO: monitor --interval -1s -> invalid interval

	_, err := suite.ExecuteCommand(rootCmd, "monitor", TestDeviceAddress, "--interval", "-1s")

	suite.Require().Error(err)
	suite.Contains(err.Error(), "invalid interval")
}

func (suite *CommandsTestSuite) TestLogRecordNegativeDuration() {
	// GOAL: Verify log record validates --duration before connecting
	//
	// TEST SCENARIO: log record --duration -5s -> invalid duration

	_, err := suite.ExecuteCommand(rootCmd, "log", "record", TestDeviceAddress, "--duration", "-5s")

	suite.Require().Error(err)
	suite.Contains(err.Error(), "invalid duration")
}

func (suite *CommandsTestSuite) TestCompensationInvalidMode() {
	// GOAL: Verify the compensation mode must fit in one byte
	//
	// TEST SCENARIO: compensation <addr> 300 -> invalid compensation mode

	_, err := suite.ExecuteCommand(rootCmd, "compensation", TestDeviceAddress, "300")

	suite.Require().Error(err)
	suite.Contains(err.Error(), `invalid compensation mode "300"`)
}

func (suite *CommandsTestSuite) TestChargeInvalidState() {
	// GOAL: Verify charge accepts only plugged or unplugged
	//
	// TEST SCENARIO: charge <addr> maybe -> invalid charge state

	_, err := suite.ExecuteCommand(rootCmd, "charge", TestDeviceAddress, "maybe")

	suite.Require().Error(err)
	suite.Contains(err.Error(), `invalid charge state "maybe"`)
}

func (suite *CommandsTestSuite) TestScanInvalidFormat() {
	// GOAL: Verify scan validates the output format before touching the radio
	//
	// TEST SCENARIO: scan --format xml -> invalid format

	_, err := suite.ExecuteCommand(rootCmd, "scan", "--format", "xml")

	suite.Require().Error(err)
	suite.Contains(err.Error(), "invalid format 'xml'")
}

func (suite *CommandsTestSuite) TestScanRejectsArguments() {
	_, err := suite.ExecuteCommand(rootCmd, "scan", TestDeviceAddress)

	suite.Require().Error(err, "scan takes no device address")
}

func (suite *CommandsTestSuite) TestVersion() {
	// GOAL: Verify --version prints the build and client library version
	//
	// TEST SCENARIO: --version -> output names the command and client version

	out, err := suite.ExecuteCommand(rootCmd, "--version")

	suite.Require().NoError(err)
	suite.Contains(out, "backpack version dev")
	suite.Contains(out, "client 1.0.0")
}

func TestCommandsTestSuite(t *testing.T) {
	suite.Run(t, new(CommandsTestSuite))
}
