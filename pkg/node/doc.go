// Package node provides the wake/cycle collaborator of a pub/sub process.
//
// A Node implements api.Waiter: Wait blocks for one cycle and reports either a tick or a
// termination request, which is raised by Terminate or by SIGINT/SIGTERM. Spin builds the
// usual poll loop on top of Wait.
//
//	n, err := node.New(node.Config{HandleSignals: true})
//	if err != nil {
//		return err
//	}
//	defer n.Close()
//	for {
//		ev, err := n.Wait(time.Second)
//		if err != nil || ev == api.EventTerminate {
//			break
//		}
//		// send or receive
//	}
package node
