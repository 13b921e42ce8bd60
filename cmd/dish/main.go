// dish runs and exercises signal nodes.
//
//	dish serve --config node.yaml
//	dish send tcp:127.0.0.1:7000 --receiver <hex> --string hello
//	dish bench --transport quic -n 20000 -c 32
package main

func main() {
	Execute()
}
