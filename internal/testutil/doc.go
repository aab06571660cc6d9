// Package testutil provides shared test helpers for klipdeck.
//
// # Environment
//
//   - SetupTestDir(t, configYAML) - temp project directory with .klipdeck/
//   - StartMockServer(t, limits) - mock status server on a free port
//   - NewClient(t, origin, store) - quiet stream client closed at test end
//   - WaitForClients(hub, n, timeout) - goroutine-safe connection poll
//   - QuietLogger() - logger that discards output
//
// # Fixtures
//
//   - SampleProgressFrame, SamplePrinterStatusFrame, SampleErrorFrame - raw
//     server frames
//   - SampleSnapshot(), SampleRecord() - store contents and a saved record
//
// # Assertions
//
//   - WaitForStore(t, store, timeout, cond) - block until the store matches
//   - AssertProgress, AssertPrinterState, AssertErrorNotice,
//     AssertNoErrorNotice - store checks
//
// # Usage
//
//	func TestSomething(t *testing.T) {
//	    srv := testutil.StartMockServer(t, server.RateLimitConfig{})
//	    store := state.NewStore()
//	    client := testutil.NewClient(t, srv.Origin(), store)
//	    require.NoError(t, client.Connect())
//	    testutil.WaitForStore(t, store, time.Second, func(s state.Snapshot) bool { return s.Connected })
//	}
package testutil
