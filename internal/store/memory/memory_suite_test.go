package memory

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"argus-logs/internal/store"
	"argus-logs/internal/store/storetest"
)

func TestMemoryStores(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Memory Store Suite")
}

var _ = storetest.DescribeLogStore("memory", func() (store.LogStore, func()) {
	return NewLogStore(), nil
})

var _ = storetest.DescribeAlertRepository("memory", func() (store.AlertRepository, func()) {
	return NewAlertRepository(), nil
})
