package panel

var ParseIPs = parseIPs
