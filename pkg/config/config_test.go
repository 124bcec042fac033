package config

import (
	"bufio"
	"flag"
	"strings"
	"testing"

	"github.com/nobletooth/fig/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testFlag = flag.String("config_test_flag", "default", "Exercised by the config file tests.")

func TestApplyConfigLines(t *testing.T) {
	utils.SetTestFlag(t, "config_test_flag", "default")

	content := strings.Join([]string{
		"# comment lines are skipped",
		"",
		"config_test_flag from_file",
	}, "\n")
	require.NoError(t, applyConfigLines(bufio.NewScanner(strings.NewReader(content))))
	assert.Equal(t, "from_file", *testFlag)
}

func TestApplyConfigLines_RejectsMalformedLines(t *testing.T) {
	for _, testCase := range []struct {
		name    string
		content string
	}{
		{name: "missing value", content: "config_test_flag"},
		{name: "unknown flag", content: "no_such_flag value"},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			err := applyConfigLines(bufio.NewScanner(strings.NewReader(testCase.content)))
			assert.Error(t, err)
		})
	}
}
