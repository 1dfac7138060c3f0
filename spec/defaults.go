package spec

const twiddlePrefix = "/twiddle/get.op?objectName=bean:name=datasource&attributeName="

// DefaultEndpoints is the endpoint set served when no endpoint file is
// configured: a datasource pool as exposed by the JBoss twiddle servlet.
func DefaultEndpoints() []Endpoint {
	return []Endpoint{
		{Path: twiddlePrefix + "MaxPoolSize", Source: Value(55)},
		{Path: twiddlePrefix + "MinPoolSize", Source: Value(50)},
		{Path: twiddlePrefix + "NumBusyConnections", Source: Producer("random(1,40)", RandomInt(1, 40))},
		{Path: twiddlePrefix + "NumIdleConnections", Source: Producer("random(41,55)", RandomInt(41, 55))},
	}
}
