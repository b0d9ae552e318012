/*
Package health provides connectivity checkers used to judge whether a
network path actually works.

Three checkers implement the Checker interface:

  - TCPChecker opens a TCP connection (used to probe well-known DNS ports
    after a network switch)
  - DNSChecker sends an A query with github.com/miekg/dns, which also
    proves the resolver answers and not only that the port is open
  - HTTPChecker fetches a connectivity URL through the tunnel to verify the
    data plane after a recovery

FirstHealthy runs a list of checkers in order and stops at the first
success. Status tracks consecutive outcomes against Config.Retries; the
connection monitor uses it to confirm staleness over several ticks.
*/
package health
